package editsync

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// AnnounceEditingFunction signals "user is editing address" to the presence
// channel. Idempotent, safe to deliver more than once.
type AnnounceEditingFunction func(address CellAddress, user User)

// AnnounceStoppedFunction signals "user stopped editing address".
// Idempotent, safe to deliver more than once.
type AnnounceStoppedFunction func(address CellAddress, user User)

// PresenceRecord describes one remote user editing one cell.
type PresenceRecord struct {
	UserId     string
	UserName   string
	ItemId     string
	FieldKey   string
	LastSeenAt time.Time
}

func (self PresenceRecord) Address() CellAddress {
	return CellAddress{
		ItemId:   self.ItemId,
		FieldKey: self.FieldKey,
	}
}

// PresenceHeartbeat announces the local edit session to collaborators.
//
// On focus it announces immediately, then repeats every heartbeat timeout
// while focus persists, so a receiver-held record does not expire mid-edit
// on a missed signal. On blur it announces stopped once and stops repeating.
// Keystroke activity additionally emits an out-of-band still-typing ping at
// a coarser rate, independent of the heartbeat.
type PresenceHeartbeat struct {
	clock             Clock
	user              User
	heartbeatTimeout  time.Duration
	typingPingTimeout time.Duration
	announceEditing   AnnounceEditingFunction
	announceStopped   AnnounceStoppedFunction

	stateLock      sync.Mutex
	address        *CellAddress
	timer          Timer
	lastTypingPing time.Time
	closed         bool
}

func NewPresenceHeartbeat(
	clock Clock,
	user User,
	heartbeatTimeout time.Duration,
	typingPingTimeout time.Duration,
	announceEditing AnnounceEditingFunction,
	announceStopped AnnounceStoppedFunction,
) *PresenceHeartbeat {
	if heartbeatTimeout <= 0 {
		panic("heartbeat timeout must be positive")
	}
	return &PresenceHeartbeat{
		clock:             clock,
		user:              user,
		heartbeatTimeout:  heartbeatTimeout,
		typingPingTimeout: typingPingTimeout,
		announceEditing:   announceEditing,
		announceStopped:   announceStopped,
	}
}

// Start begins heartbeating for address. Announces editing immediately.
// Starting for a new address stops any previous session first.
func (self *PresenceHeartbeat) Start(address CellAddress) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	if self.address != nil && *self.address != address {
		self.stopLocked()
	}
	a := address
	self.address = &a
	self.armLocked(address)
	// the focus announce below covers "still typing" for now
	self.lastTypingPing = self.clock.Now()
	self.stateLock.Unlock()

	self.emitEditing(address)
}

// must be called inside the state lock
func (self *PresenceHeartbeat) armLocked(address CellAddress) {
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = self.clock.AfterFunc(self.heartbeatTimeout, func() {
		self.beat(address)
	})
}

func (self *PresenceHeartbeat) beat(address CellAddress) {
	self.stateLock.Lock()
	if self.closed || self.address == nil || *self.address != address {
		// session ended before the timer fired
		self.stateLock.Unlock()
		return
	}
	self.armLocked(address)
	self.stateLock.Unlock()

	glog.V(2).Infof("[ph]%s beat", address)
	self.emitEditing(address)
}

// Typing emits a rate-limited still-typing ping for the focused address.
func (self *PresenceHeartbeat) Typing(address CellAddress) {
	self.stateLock.Lock()
	if self.closed || self.address == nil || *self.address != address {
		self.stateLock.Unlock()
		return
	}
	now := self.clock.Now()
	if !self.lastTypingPing.IsZero() && now.Sub(self.lastTypingPing) < self.typingPingTimeout {
		self.stateLock.Unlock()
		return
	}
	self.lastTypingPing = now
	self.stateLock.Unlock()

	glog.V(2).Infof("[ph]%s typing", address)
	self.emitEditing(address)
}

// Stop ends the session for address: cancels the repeating timer and
// announces stopped once. No-op if address is not the active session.
func (self *PresenceHeartbeat) Stop(address CellAddress) {
	self.stateLock.Lock()
	if self.address == nil || *self.address != address {
		self.stateLock.Unlock()
		return
	}
	self.stopLocked()
	self.stateLock.Unlock()

	self.emitStopped(address)
}

// must be called inside the state lock. does not emit.
func (self *PresenceHeartbeat) stopLocked() {
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.address = nil
	self.lastTypingPing = time.Time{}
}

// Close stops the heartbeat permanently, announcing stopped for any active
// session.
func (self *PresenceHeartbeat) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	address := self.address
	self.stopLocked()
	self.stateLock.Unlock()

	if address != nil {
		self.emitStopped(*address)
	}
}

// Active returns the address currently being announced, if any.
func (self *PresenceHeartbeat) Active() (CellAddress, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.address == nil {
		return CellAddress{}, false
	}
	return *self.address, true
}

func (self *PresenceHeartbeat) emitEditing(address CellAddress) {
	if self.announceEditing == nil {
		return
	}
	safeCall(func() {
		self.announceEditing(address, self.user)
	})
}

func (self *PresenceHeartbeat) emitStopped(address CellAddress) {
	if self.announceStopped == nil {
		return
	}
	safeCall(func() {
		self.announceStopped(address, self.user)
	})
}

// PresenceChangeFunction observes the remote presence table.
// editing is true on upsert and false on removal (stop or expiry).
type PresenceChangeFunction func(record PresenceRecord, editing bool)

// PresenceTable holds the presence records of remote users, keyed by user.
// A user holds presence on at most one cell at a time: a new record for the
// same user replaces their previous one. Records expire after the liveness
// timeout, which treats a silent disconnect as a stop.
type PresenceTable struct {
	clock           Clock
	livenessTimeout time.Duration

	stateLock sync.Mutex
	// user id -> record
	records map[string]*PresenceRecord

	changeCallbacks *callbackList[PresenceChangeFunction]
}

func NewPresenceTable(clock Clock, livenessTimeout time.Duration) *PresenceTable {
	if livenessTimeout <= 0 {
		panic("liveness timeout must be positive")
	}
	return &PresenceTable{
		clock:           clock,
		livenessTimeout: livenessTimeout,
		records:         map[string]*PresenceRecord{},
		changeCallbacks: newCallbackList[PresenceChangeFunction](),
	}
}

func (self *PresenceTable) AddChangeCallback(callback PresenceChangeFunction) Id {
	return self.changeCallbacks.add(callback)
}

func (self *PresenceTable) RemoveChangeCallback(callbackId Id) {
	self.changeCallbacks.remove(callbackId)
}

// Upsert inserts or refreshes the record for record.UserId.
// Delivering the same record twice yields one entry, not two.
func (self *PresenceTable) Upsert(record PresenceRecord) {
	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = self.clock.Now()
	}

	self.stateLock.Lock()
	previous, ok := self.records[record.UserId]
	moved := ok && previous.Address() != record.Address()
	self.records[record.UserId] = &record
	self.stateLock.Unlock()

	if moved {
		glog.V(2).Infof("[rr]%s moved %s -> %s", record.UserId, previous.Address(), record.Address())
		self.notify(*previous, false)
	}
	self.notify(record, true)
}

// Remove clears the record for userId on an explicit stop signal.
func (self *PresenceTable) Remove(userId string) {
	self.stateLock.Lock()
	record, ok := self.records[userId]
	if ok {
		delete(self.records, userId)
	}
	self.stateLock.Unlock()

	if ok {
		self.notify(*record, false)
	}
}

// ExpireStale removes records not refreshed within the liveness timeout and
// returns them. A missed heartbeat self-heals here; it is not an error.
func (self *PresenceTable) ExpireStale(now time.Time) []PresenceRecord {
	minSeenAt := now.Add(-self.livenessTimeout)

	self.stateLock.Lock()
	expired := []PresenceRecord{}
	for _, userId := range maps.Keys(self.records) {
		record := self.records[userId]
		if record.LastSeenAt.Before(minSeenAt) {
			expired = append(expired, *record)
			delete(self.records, userId)
		}
	}
	self.stateLock.Unlock()

	for _, record := range expired {
		glog.V(1).Infof("[rr]%s presence expired for %s", record.UserId, record.Address())
		self.notify(record, false)
	}
	return expired
}

// Editors returns the remote users currently editing address.
func (self *PresenceTable) Editors(address CellAddress) []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	editors := []PresenceRecord{}
	for _, record := range self.records {
		if record.Address() == address {
			editors = append(editors, *record)
		}
	}
	slices.SortFunc(editors, func(a PresenceRecord, b PresenceRecord) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		} else {
			return 0
		}
	})
	return editors
}

// All returns every live record.
func (self *PresenceTable) All() []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []PresenceRecord{}
	for _, record := range self.records {
		records = append(records, *record)
	}
	slices.SortFunc(records, func(a PresenceRecord, b PresenceRecord) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		} else {
			return 0
		}
	})
	return records
}

func (self *PresenceTable) notify(record PresenceRecord, editing bool) {
	for _, callback := range self.changeCallbacks.get() {
		callback := callback
		safeCall(func() {
			callback(record, editing)
		})
	}
}
