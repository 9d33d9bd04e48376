package editsync

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// fan-out list for boundary callbacks. add returns an id that unsubscribes.
// makes a copy of the list on read so that callers can iterate without
// holding the lock
type callbackList[T any] struct {
	stateLock   sync.Mutex
	callbackIds []Id
	callbacks   map[Id]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbackIds: []Id{},
		callbacks:   map[Id]T{},
	}
}

func (self *callbackList[T]) get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *callbackList[T]) add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, callbackId)
}

// all outbound callbacks are wrapped to recover from errors so that a
// misbehaving boundary implementation cannot corrupt the edit state
func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[cb]recovered: %v\n%s", r, debug.Stack())
		}
	}()
	f()
}
