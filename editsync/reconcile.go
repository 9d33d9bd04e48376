package editsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// RemoteReconciler applies inbound remote state to the local client.
//
// Values flow through the focused-or-dirty guard of the target buffer:
// an unprotected clean cell takes the value, anything else defers it.
// Presence records flow into the PresenceTable and are swept periodically
// for staleness.
type RemoteReconciler struct {
	clock    Clock
	presence *PresenceTable
	// resolves (or lazily creates) the buffer for an address
	buffer func(address CellAddress) *EditBuffer

	sweepTimeout time.Duration

	stateLock sync.Mutex
	timer     Timer
	closed    bool
}

func NewRemoteReconciler(
	clock Clock,
	presence *PresenceTable,
	buffer func(address CellAddress) *EditBuffer,
	sweepTimeout time.Duration,
) *RemoteReconciler {
	reconciler := &RemoteReconciler{
		clock:        clock,
		presence:     presence,
		buffer:       buffer,
		sweepTimeout: sweepTimeout,
	}
	if 0 < sweepTimeout {
		reconciler.arm()
	}
	return reconciler
}

// OnRemoteValue applies a value another client committed to address.
// Returns true if the visible value changed.
func (self *RemoteReconciler) OnRemoteValue(address CellAddress, value string) bool {
	applied := self.buffer(address).ApplyRemoteValue(value)
	if applied {
		glog.V(2).Infof("[rr]%s applied remote value", address)
	}
	return applied
}

// OnRemotePresence upserts a remote user's presence record.
func (self *RemoteReconciler) OnRemotePresence(record PresenceRecord) {
	self.presence.Upsert(record)
}

// OnRemoteStopped clears a remote user's presence on an explicit stop.
func (self *RemoteReconciler) OnRemoteStopped(userId string) {
	self.presence.Remove(userId)
}

// ExpireStale sweeps presence records older than the liveness timeout.
func (self *RemoteReconciler) ExpireStale(now time.Time) []PresenceRecord {
	return self.presence.ExpireStale(now)
}

func (self *RemoteReconciler) arm() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.timer = self.clock.AfterFunc(self.sweepTimeout, self.sweep)
}

func (self *RemoteReconciler) sweep() {
	self.presence.ExpireStale(self.clock.Now())
	self.arm()
}

// Close stops the periodic sweep.
func (self *RemoteReconciler) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
