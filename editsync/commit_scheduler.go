package editsync

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// CommitScheduler coalesces rapid local edits into one commit per debounce
// window. At most one pending commit exists per address at any instant:
// scheduling again resets the pending timer with the newer value instead of
// queuing a second one. Commits to different addresses are independent.
//
// Naive per-keystroke commits would hit the shared store (and every other
// client) at typing speed. One commit per debounce window bounds write
// amplification and still converges within one window after the user pauses.
type CommitScheduler struct {
	clock           Clock
	debounceTimeout time.Duration
	// fired on debounce expiry with the scheduled address
	fire func(address CellAddress)

	stateLock sync.Mutex
	pending   map[CellAddress]*pendingCommit
	closed    bool
}

type pendingCommit struct {
	value    string
	fireTime time.Time
	timer    Timer
}

func NewCommitScheduler(
	clock Clock,
	debounceTimeout time.Duration,
	fire func(address CellAddress),
) *CommitScheduler {
	if debounceTimeout <= 0 {
		panic("debounce timeout must be positive")
	}
	return &CommitScheduler{
		clock:           clock,
		debounceTimeout: debounceTimeout,
		fire:            fire,
		pending:         map[CellAddress]*pendingCommit{},
	}
}

// Schedule (re)starts the debounce timer for address with the latest value.
func (self *CommitScheduler) Schedule(address CellAddress, value string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	if p, ok := self.pending[address]; ok {
		// coalesce: reset, do not duplicate
		p.timer.Stop()
	}
	self.pending[address] = &pendingCommit{
		value:    value,
		fireTime: self.clock.Now().Add(self.debounceTimeout),
		timer: self.clock.AfterFunc(self.debounceTimeout, func() {
			self.expire(address)
		}),
	}
	glog.V(2).Infof("[cs]%s scheduled", address)
}

func (self *CommitScheduler) expire(address CellAddress) {
	self.stateLock.Lock()
	_, ok := self.pending[address]
	if ok {
		delete(self.pending, address)
	}
	self.stateLock.Unlock()

	if !ok {
		// cancelled or flushed before the timer fired
		return
	}
	self.fire(address)
}

// Cancel clears any pending commit without committing.
// Used when a clean cell is discarded, never to drop a dirty value.
func (self *CommitScheduler) Cancel(address CellAddress) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if p, ok := self.pending[address]; ok {
		p.timer.Stop()
		delete(self.pending, address)
		glog.V(2).Infof("[cs]%s cancelled", address)
	}
}

// Pending returns the scheduled value and fire time for address, if any.
func (self *CommitScheduler) Pending(address CellAddress) (value string, fireTime time.Time, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	p, pok := self.pending[address]
	if !pok {
		return "", time.Time{}, false
	}
	return p.value, p.fireTime, true
}

// PendingCount returns the number of outstanding debounce timers.
func (self *CommitScheduler) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}

// Close cancels all pending timers. The scheduler commits nothing on close;
// the owner flushes dirty buffers first.
func (self *CommitScheduler) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	for _, address := range maps.Keys(self.pending) {
		self.pending[address].timer.Stop()
		delete(self.pending, address)
	}
}
