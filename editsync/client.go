package editsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// CommitResultFunction observes the outcome of each issued commit.
// A non-nil err means the store rejected the value and the buffer is still
// dirty; surfacing and re-scheduling is the caller's concern.
type CommitResultFunction func(address CellAddress, value string, err error)

type EditClientSettings struct {
	// coalesces rapid edits into one commit per window
	DebounceTimeout time.Duration
	// presence refresh cadence while a cell is focused
	HeartbeatTimeout time.Duration
	// minimum gap between out-of-band still-typing pings
	TypingPingTimeout time.Duration
	// staleness threshold for dropping a remote presence record
	LivenessTimeout time.Duration
	// cadence of the automatic presence expiry sweep. 0 disables the
	// sweep; the owner calls ExpireStale itself.
	ExpireSweepTimeout time.Duration

	Clock Clock
}

func DefaultEditClientSettings() *EditClientSettings {
	return &EditClientSettings{
		DebounceTimeout:    200 * time.Millisecond,
		HeartbeatTimeout:   5 * time.Second,
		TypingPingTimeout:  3 * time.Second,
		LivenessTimeout:    12 * time.Second,
		ExpireSweepTimeout: 1 * time.Second,
		Clock:              SystemClock(),
	}
}

// EditClient is the per-user entry point of the edit synchronization core.
//
// The rendering layer drives it with OnFocus/OnBlur/OnLocalEdit, the sync
// and presence channels with OnRemoteValue/OnRemotePresence/OnRemoteStopped.
// Outbound, it issues commits through the CommitFunction and presence
// announcements through the announce functions. All operations are
// synchronous and non-blocking; commits are issued fire-and-forget.
type EditClient struct {
	clientId Id
	user     User
	settings *EditClientSettings
	clock    Clock
	resolver *FieldResolver

	commit CommitFunction

	announceLock    sync.Mutex
	announceEditing AnnounceEditingFunction
	announceStopped AnnounceStoppedFunction

	commitResultCallbacks *callbackList[CommitResultFunction]

	stateLock sync.Mutex
	// canonical address -> buffer
	buffers map[CellAddress]*EditBuffer
	closed  bool

	scheduler  *CommitScheduler
	focusGuard *FocusGuard
	heartbeat  *PresenceHeartbeat
	presence   *PresenceTable
	reconciler *RemoteReconciler
}

func NewEditClient(user User, commit CommitFunction, settings *EditClientSettings) *EditClient {
	if settings == nil {
		settings = DefaultEditClientSettings()
	}
	clock := settings.Clock
	if clock == nil {
		clock = SystemClock()
	}

	client := &EditClient{
		clientId:              NewId(),
		user:                  user,
		settings:              settings,
		clock:                 clock,
		resolver:              NewFieldResolver(),
		commit:                commit,
		commitResultCallbacks: newCallbackList[CommitResultFunction](),
		buffers:               map[CellAddress]*EditBuffer{},
	}
	client.scheduler = NewCommitScheduler(clock, settings.DebounceTimeout, client.debounceExpired)
	client.focusGuard = NewFocusGuard()
	client.heartbeat = NewPresenceHeartbeat(
		clock,
		user,
		settings.HeartbeatTimeout,
		settings.TypingPingTimeout,
		client.emitEditing,
		client.emitStopped,
	)
	client.presence = NewPresenceTable(clock, settings.LivenessTimeout)
	client.reconciler = NewRemoteReconciler(
		clock,
		client.presence,
		client.buffer,
		settings.ExpireSweepTimeout,
	)
	return client
}

func (self *EditClient) ClientId() Id {
	return self.clientId
}

func (self *EditClient) User() User {
	return self.user
}

func (self *EditClient) Resolver() *FieldResolver {
	return self.resolver
}

// SetAnnounceFunctions wires the outbound presence channel. Either function
// may be nil, which silences that signal.
func (self *EditClient) SetAnnounceFunctions(
	announceEditing AnnounceEditingFunction,
	announceStopped AnnounceStoppedFunction,
) {
	self.announceLock.Lock()
	defer self.announceLock.Unlock()

	self.announceEditing = announceEditing
	self.announceStopped = announceStopped
}

func (self *EditClient) AddCommitResultCallback(callback CommitResultFunction) Id {
	return self.commitResultCallbacks.add(callback)
}

func (self *EditClient) RemoveCommitResultCallback(callbackId Id) {
	self.commitResultCallbacks.remove(callbackId)
}

// AddPresenceChangeCallback observes remote presence transitions
// (editing=true on upsert, false on stop or expiry).
func (self *EditClient) AddPresenceChangeCallback(callback PresenceChangeFunction) Id {
	return self.presence.AddChangeCallback(callback)
}

func (self *EditClient) RemovePresenceChangeCallback(callbackId Id) {
	self.presence.RemoveChangeCallback(callbackId)
}

// buffer returns the buffer for a canonical address, creating it lazily on
// first focus or first remote render.
func (self *EditClient) buffer(address CellAddress) *EditBuffer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	buffer, ok := self.buffers[address]
	if !ok {
		buffer = NewEditBuffer(address, "")
		self.buffers[address] = buffer
	}
	return buffer
}

func (self *EditClient) lookupBuffer(address CellAddress) *EditBuffer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.buffers[address]
}

func (self *EditClient) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.closed
}

// OnFocus marks address as the locally edited cell. Focusing a new cell
// implicitly blurs (and flushes) the previously focused one.
func (self *EditClient) OnFocus(address CellAddress) {
	if self.isClosed() {
		return
	}
	address = self.resolver.Canonical(address)

	if previous, ok := self.focusGuard.Focused(); ok {
		if previous == address {
			return
		}
		self.blurAddress(previous)
	}
	self.focusGuard.Focus(address)
	self.buffer(address).SetFocused(true)
	self.heartbeat.Start(address)
}

// OnBlur ends the edit session for address: the pending debounce is
// cancelled and replaced by an immediate flush, presence announces stopped,
// and only then is remote-overwrite protection released.
func (self *EditClient) OnBlur(address CellAddress) {
	self.blurAddress(self.resolver.Canonical(address))
}

func (self *EditClient) blurAddress(address CellAddress) error {
	buffer := self.lookupBuffer(address)
	if buffer == nil {
		self.focusGuard.Blur(address)
		self.heartbeat.Stop(address)
		return nil
	}

	// cancel-then-flush so a mid-flight debounce cannot double-commit
	self.scheduler.Cancel(address)
	err := self.commitBuffer(buffer)

	// protection is released only after the flush completed
	buffer.SetFocused(false)
	self.focusGuard.Blur(address)
	self.heartbeat.Stop(address)

	// a remote value deferred only by focus becomes visible now
	if err == nil && !buffer.IsDirty() {
		if value, ok := buffer.TakePendingRemote(); ok {
			buffer.ApplyRemoteValue(value)
			glog.V(2).Infof("[ec]%s deferred remote applied on blur", address)
		}
	}
	return err
}

// OnLocalEdit applies a keystroke-level change to the optimistic value and
// (re)schedules the debounced commit. Never blocks.
func (self *EditClient) OnLocalEdit(address CellAddress, value string) {
	if self.isClosed() {
		return
	}
	address = self.resolver.Canonical(address)

	buffer := self.buffer(address)
	buffer.ApplyLocalEdit(value, self.clock.Now())
	self.scheduler.Schedule(address, value)
	self.heartbeat.Typing(address)
}

// OnRemoteValue applies a value committed by another client, subject to the
// focused-or-dirty guard. Returns true if the visible value changed.
func (self *EditClient) OnRemoteValue(address CellAddress, value string) bool {
	return self.reconciler.OnRemoteValue(self.resolver.Canonical(address), value)
}

// OnRemotePresence upserts another user's presence record. Records for the
// local user echo back from the presence channel and are ignored.
func (self *EditClient) OnRemotePresence(record PresenceRecord) {
	if record.UserId == self.user.UserId {
		return
	}
	record.FieldKey = self.resolver.Resolve(record.FieldKey)
	self.reconciler.OnRemotePresence(record)
}

func (self *EditClient) OnRemoteStopped(userId string) {
	self.reconciler.OnRemoteStopped(userId)
}

// ExpireStale sweeps remote presence records older than the liveness
// timeout. Also runs automatically per ExpireSweepTimeout.
func (self *EditClient) ExpireStale(now time.Time) []PresenceRecord {
	return self.reconciler.ExpireStale(now)
}

func (self *EditClient) debounceExpired(address CellAddress) {
	buffer := self.lookupBuffer(address)
	if buffer == nil {
		return
	}
	// commits the latest local value. a no-op if a blur flushed first.
	self.commitBuffer(buffer)
}

func (self *EditClient) commitBuffer(buffer *EditBuffer) error {
	return buffer.ForceFlush(self.issueCommit)
}

func (self *EditClient) issueCommit(address CellAddress, value string) (err error) {
	if self.commit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("commit panic: %v", r)
				}
			}()
			err = self.commit(address, value)
		}()
	}
	glog.V(1).Infof("[ec]%s commit issued (err = %v)", address, err)
	for _, callback := range self.commitResultCallbacks.get() {
		callback := callback
		safeCall(func() {
			callback(address, value, err)
		})
	}
	return err
}

func (self *EditClient) emitEditing(address CellAddress, user User) {
	self.announceLock.Lock()
	announceEditing := self.announceEditing
	self.announceLock.Unlock()

	if announceEditing != nil {
		safeCall(func() {
			announceEditing(address, user)
		})
	}
}

func (self *EditClient) emitStopped(address CellAddress, user User) {
	self.announceLock.Lock()
	announceStopped := self.announceStopped
	self.announceLock.Unlock()

	if announceStopped != nil {
		safeCall(func() {
			announceStopped(address, user)
		})
	}
}

// Release tears down the cell's edit session on unmount. A dirty buffer is
// flushed first, never silently discarded; on commit failure the buffer is
// kept and the error returned.
func (self *EditClient) Release(address CellAddress) error {
	address = self.resolver.Canonical(address)

	if focused, ok := self.focusGuard.Focused(); ok && focused == address {
		if err := self.blurAddress(address); err != nil {
			return err
		}
	} else {
		buffer := self.lookupBuffer(address)
		if buffer == nil {
			return nil
		}
		self.scheduler.Cancel(address)
		if err := self.commitBuffer(buffer); err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if buffer, ok := self.buffers[address]; ok && !buffer.IsDirty() {
		delete(self.buffers, address)
	}
	return nil
}

// Close flushes every dirty buffer, announces stopped for any active edit
// session, and cancels all timers. The client accepts no further edits.
func (self *EditClient) Close() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	buffers := make([]*EditBuffer, 0, len(self.buffers))
	for _, buffer := range self.buffers {
		buffers = append(buffers, buffer)
	}
	self.stateLock.Unlock()

	if focused, ok := self.focusGuard.Focused(); ok {
		self.blurAddress(focused)
	}

	var firstErr error
	for _, buffer := range buffers {
		self.scheduler.Cancel(buffer.Address())
		if err := self.commitBuffer(buffer); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	self.scheduler.Close()
	self.heartbeat.Close()
	self.reconciler.Close()
	return firstErr
}

// Value returns the visible (optimistic) value for address, if the cell has
// an active buffer. Cells without a buffer render straight from the store.
func (self *EditClient) Value(address CellAddress) (string, bool) {
	buffer := self.lookupBuffer(self.resolver.Canonical(address))
	if buffer == nil {
		return "", false
	}
	return buffer.Value(), true
}

func (self *EditClient) IsDirty(address CellAddress) bool {
	buffer := self.lookupBuffer(self.resolver.Canonical(address))
	if buffer == nil {
		return false
	}
	return buffer.IsDirty()
}

func (self *EditClient) FocusedCell() (CellAddress, bool) {
	return self.focusGuard.Focused()
}

// PendingCommit exposes the scheduled debounce for address, if any.
func (self *EditClient) PendingCommit(address CellAddress) (value string, fireTime time.Time, ok bool) {
	return self.scheduler.Pending(self.resolver.Canonical(address))
}

// Editors lists the remote users currently editing address.
func (self *EditClient) Editors(address CellAddress) []PresenceRecord {
	return self.presence.Editors(self.resolver.Canonical(address))
}

// Presence lists every live remote presence record.
func (self *EditClient) Presence() []PresenceRecord {
	return self.presence.All()
}

// BufferCount returns the number of active cell buffers.
func (self *EditClient) BufferCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.buffers)
}
