package editsync

import (
	"sync"

	"github.com/golang/glog"
)

// focus state machine per cell is:
// FocusStateUnfocused
//
//	-> FocusStateFocused
//	  -> FocusStateUnfocused
type FocusState string

const (
	FocusStateUnfocused FocusState = "Unfocused"
	FocusStateFocused   FocusState = "Focused"
)

func (self FocusState) IsProtected() bool {
	return self == FocusStateFocused
}

// FocusGuard tracks the single locally focused cell and marks it protected
// against remote overwrites. Only one cell may be focused per client;
// focusing a new cell implicitly blurs the previous one.
//
// Protection is released by Blur only after the owner has flushed the
// buffer, closing the race where a remote value lands between flush and
// unprotect.
type FocusGuard struct {
	stateLock sync.Mutex
	focused   *CellAddress
}

func NewFocusGuard() *FocusGuard {
	return &FocusGuard{}
}

// Focus transitions address to Focused and returns the previously focused
// address, which the caller must blur first.
func (self *FocusGuard) Focus(address CellAddress) (previous *CellAddress) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.focused != nil && *self.focused == address {
		// already focused
		return nil
	}
	previous = self.focused
	focused := address
	self.focused = &focused
	glog.V(2).Infof("[fg]%s focused", address)
	return previous
}

// Blur transitions address to Unfocused. Returns false if address was not
// the focused cell.
func (self *FocusGuard) Blur(address CellAddress) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.focused == nil || *self.focused != address {
		return false
	}
	self.focused = nil
	glog.V(2).Infof("[fg]%s blurred", address)
	return true
}

func (self *FocusGuard) State(address CellAddress) FocusState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.focused != nil && *self.focused == address {
		return FocusStateFocused
	}
	return FocusStateUnfocused
}

// Focused returns the currently focused cell, if any.
func (self *FocusGuard) Focused() (CellAddress, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.focused == nil {
		return CellAddress{}, false
	}
	return *self.focused, true
}
