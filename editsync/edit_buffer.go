package editsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// CommitFunction pushes a committed value to the external store.
// It is issued synchronously but the store is not awaited beyond the call;
// a non-nil error means the store rejected the value outright and the
// buffer stays dirty. No retry is attempted here.
type CommitFunction func(address CellAddress, value string) error

// EditBuffer holds the optimistic local state of one cell.
//
// The visible value is localValue. While the cell is focused or dirty,
// remote values are deferred instead of applied, so the local editor is
// never clobbered mid-edit. Invariant: dirty == (localValue != committedValue).
type EditBuffer struct {
	address CellAddress

	stateLock      sync.Mutex
	localValue     string
	committedValue string
	dirty          bool
	focused        bool
	lastEditAt     time.Time
	// last remote value deferred while focused or dirty
	pendingRemote *string
}

func NewEditBuffer(address CellAddress, committedValue string) *EditBuffer {
	return &EditBuffer{
		address:        address,
		localValue:     committedValue,
		committedValue: committedValue,
	}
}

func (self *EditBuffer) Address() CellAddress {
	return self.address
}

// ApplyLocalEdit records a keystroke-level local change. Never blocks.
// Scheduling the debounced commit is the caller's (EditClient) concern.
func (self *EditBuffer) ApplyLocalEdit(value string, editTime time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.localValue = value
	self.dirty = self.localValue != self.committedValue
	self.lastEditAt = editTime
	if self.dirty {
		// a newer local edit supersedes any deferred remote value
		self.pendingRemote = nil
	}
}

// ApplyRemoteValue applies a value committed by another client.
// Returns true if the visible value changed. While the cell is focused or
// dirty the value is recorded as pending instead, to be surfaced on blur.
func (self *EditBuffer) ApplyRemoteValue(value string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.focused || self.dirty {
		pendingRemote := value
		self.pendingRemote = &pendingRemote
		glog.V(2).Infof("[eb]%s defer remote while %s", self.address, self.guardReason())
		return false
	}
	self.localValue = value
	self.committedValue = value
	self.pendingRemote = nil
	return true
}

// must be called inside the state lock
func (self *EditBuffer) guardReason() string {
	if self.focused && self.dirty {
		return "focused+dirty"
	} else if self.focused {
		return "focused"
	} else {
		return "dirty"
	}
}

// ForceFlush commits the local value immediately if dirty.
// After a successful flush the buffer is clean and the store call has been
// issued (not necessarily acknowledged). On commit error the buffer stays
// dirty so the caller can surface and re-schedule.
func (self *EditBuffer) ForceFlush(commit CommitFunction) error {
	self.stateLock.Lock()
	if !self.dirty {
		self.stateLock.Unlock()
		return nil
	}
	value := self.localValue
	self.stateLock.Unlock()

	// issue the store call outside the state lock
	err := commit(self.address, value)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err != nil {
		glog.Warningf("[eb]%s commit rejected = %s", self.address, err)
		return err
	}
	self.committedValue = value
	self.dirty = self.localValue != self.committedValue
	// our commit is the last writer. an older deferred remote must not
	// resurface over it.
	self.pendingRemote = nil
	return nil
}

// TakePendingRemote pops the deferred remote value, if any.
// Used on blur: a remote value deferred only because the cell was focused
// (no local edits) becomes visible once the edit session ends.
func (self *EditBuffer) TakePendingRemote() (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pendingRemote == nil {
		return "", false
	}
	value := *self.pendingRemote
	self.pendingRemote = nil
	return value, true
}

func (self *EditBuffer) SetFocused(focused bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.focused = focused
}

func (self *EditBuffer) Value() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localValue
}

func (self *EditBuffer) CommittedValue() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.committedValue
}

func (self *EditBuffer) IsDirty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dirty
}

func (self *EditBuffer) IsFocused() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.focused
}

func (self *EditBuffer) LastEditAt() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastEditAt
}
