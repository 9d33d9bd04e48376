package editsync

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type announceSink struct {
	stateLock sync.Mutex
	editing   []CellAddress
	stopped   []CellAddress
}

func (self *announceSink) announceEditing(address CellAddress, user User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.editing = append(self.editing, address)
}

func (self *announceSink) announceStopped(address CellAddress, user User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stopped = append(self.stopped, address)
}

func (self *announceSink) editingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.editing)
}

func (self *announceSink) stoppedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.stopped)
}

func newTestHeartbeat(clock Clock, sink *announceSink) *PresenceHeartbeat {
	return NewPresenceHeartbeat(
		clock,
		User{UserId: "user1", UserName: "Alice"},
		5*time.Second,
		3*time.Second,
		sink.announceEditing,
		sink.announceStopped,
	)
}

func TestPresenceHeartbeatCadence(t *testing.T) {
	clock := newTestClock()
	sink := &announceSink{}
	heartbeat := newTestHeartbeat(clock, sink)

	address := CellAddress{ItemId: "item1", FieldKey: "script"}

	// announce immediately on focus
	heartbeat.Start(address)
	assert.Equal(t, 1, sink.editingCount())

	// then repeat every heartbeat timeout while focus persists
	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, sink.editingCount())
	clock.Advance(10 * time.Second)
	assert.Equal(t, 4, sink.editingCount())

	// a single stopped on blur, then silence
	heartbeat.Stop(address)
	assert.Equal(t, 1, sink.stoppedCount())
	clock.Advance(time.Minute)
	assert.Equal(t, 4, sink.editingCount())
	assert.Equal(t, 1, sink.stoppedCount())
}

func TestPresenceHeartbeatStopWrongAddress(t *testing.T) {
	clock := newTestClock()
	sink := &announceSink{}
	heartbeat := newTestHeartbeat(clock, sink)

	a := CellAddress{ItemId: "item1", FieldKey: "script"}
	b := CellAddress{ItemId: "item2", FieldKey: "script"}

	heartbeat.Start(a)
	heartbeat.Stop(b)
	assert.Equal(t, 0, sink.stoppedCount())

	active, ok := heartbeat.Active()
	assert.Equal(t, true, ok)
	assert.Equal(t, a, active)
}

func TestPresenceHeartbeatTypingPing(t *testing.T) {
	clock := newTestClock()
	sink := &announceSink{}
	heartbeat := newTestHeartbeat(clock, sink)

	address := CellAddress{ItemId: "item1", FieldKey: "script"}
	heartbeat.Start(address)
	assert.Equal(t, 1, sink.editingCount())

	// keystroke-speed typing does not ping at keystroke speed
	for i := 0; i < 10; i += 1 {
		heartbeat.Typing(address)
		clock.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, 1, sink.editingCount())

	// after the ping timeout a still-typing ping goes out
	clock.Advance(3 * time.Second)
	heartbeat.Typing(address)
	assert.Equal(t, 2, sink.editingCount())

	// and is rate limited again
	heartbeat.Typing(address)
	assert.Equal(t, 2, sink.editingCount())
}

func TestPresenceHeartbeatClose(t *testing.T) {
	clock := newTestClock()
	sink := &announceSink{}
	heartbeat := newTestHeartbeat(clock, sink)

	address := CellAddress{ItemId: "item1", FieldKey: "script"}
	heartbeat.Start(address)
	heartbeat.Close()
	assert.Equal(t, 1, sink.stoppedCount())

	// closed heartbeats never restart
	heartbeat.Start(address)
	clock.Advance(time.Minute)
	assert.Equal(t, 1, sink.editingCount())
}

func TestPresenceTableUpsertIdempotent(t *testing.T) {
	clock := newTestClock()
	table := NewPresenceTable(clock, 12*time.Second)

	record := PresenceRecord{
		UserId:     "user2",
		UserName:   "Bob",
		ItemId:     "item1",
		FieldKey:   "script",
		LastSeenAt: clock.Now(),
	}
	table.Upsert(record)
	table.Upsert(record)

	assert.Equal(t, 1, len(table.All()))
	editors := table.Editors(record.Address())
	assert.Equal(t, 1, len(editors))
	assert.Equal(t, "Bob", editors[0].UserName)
}

func TestPresenceTableUserMovesCell(t *testing.T) {
	clock := newTestClock()
	table := NewPresenceTable(clock, 12*time.Second)

	moves := []PresenceRecord{}
	table.AddChangeCallback(func(record PresenceRecord, editing bool) {
		if !editing {
			moves = append(moves, record)
		}
	})

	a := CellAddress{ItemId: "item1", FieldKey: "script"}
	b := CellAddress{ItemId: "item2", FieldKey: "notes"}

	table.Upsert(PresenceRecord{UserId: "user2", ItemId: a.ItemId, FieldKey: a.FieldKey, LastSeenAt: clock.Now()})
	table.Upsert(PresenceRecord{UserId: "user2", ItemId: b.ItemId, FieldKey: b.FieldKey, LastSeenAt: clock.Now()})

	// one cell per user: the presence moved, it did not duplicate
	assert.Equal(t, 1, len(table.All()))
	assert.Equal(t, 0, len(table.Editors(a)))
	assert.Equal(t, 1, len(table.Editors(b)))
	assert.Equal(t, 1, len(moves))
	assert.Equal(t, a, moves[0].Address())
}

func TestPresenceTableExpiry(t *testing.T) {
	clock := newTestClock()
	table := NewPresenceTable(clock, 12*time.Second)

	start := clock.Now()
	table.Upsert(PresenceRecord{UserId: "user2", ItemId: "item1", FieldKey: "script", LastSeenAt: start})

	// within the liveness window nothing expires
	expired := table.ExpireStale(start.Add(11 * time.Second))
	assert.Equal(t, 0, len(expired))
	assert.Equal(t, 1, len(table.All()))

	// no heartbeat for 13s: the record is dropped
	expired = table.ExpireStale(start.Add(13 * time.Second))
	assert.Equal(t, 1, len(expired))
	assert.Equal(t, "user2", expired[0].UserId)
	assert.Equal(t, 0, len(table.All()))
}

func TestPresenceTableHeartbeatRefreshPreventsExpiry(t *testing.T) {
	clock := newTestClock()
	table := NewPresenceTable(clock, 12*time.Second)

	start := clock.Now()
	table.Upsert(PresenceRecord{UserId: "user2", ItemId: "item1", FieldKey: "script", LastSeenAt: start})
	// refreshed by a heartbeat at +10s
	table.Upsert(PresenceRecord{UserId: "user2", ItemId: "item1", FieldKey: "script", LastSeenAt: start.Add(10 * time.Second)})

	expired := table.ExpireStale(start.Add(13 * time.Second))
	assert.Equal(t, 0, len(expired))
	assert.Equal(t, 1, len(table.All()))
}

func TestPresenceTableRemove(t *testing.T) {
	clock := newTestClock()
	table := NewPresenceTable(clock, 12*time.Second)

	stops := 0
	table.AddChangeCallback(func(record PresenceRecord, editing bool) {
		if !editing {
			stops += 1
		}
	})

	table.Upsert(PresenceRecord{UserId: "user2", ItemId: "item1", FieldKey: "script", LastSeenAt: clock.Now()})
	table.Remove("user2")
	assert.Equal(t, 0, len(table.All()))
	assert.Equal(t, 1, stops)

	// removing an absent user is a no-op
	table.Remove("user2")
	assert.Equal(t, 1, stops)
}

func TestRemoteReconcilerSweep(t *testing.T) {
	clock := newTestClock()
	table := NewPresenceTable(clock, 12*time.Second)

	buffers := map[CellAddress]*EditBuffer{}
	reconciler := NewRemoteReconciler(clock, table, func(address CellAddress) *EditBuffer {
		buffer, ok := buffers[address]
		if !ok {
			buffer = NewEditBuffer(address, "")
			buffers[address] = buffer
		}
		return buffer
	}, time.Second)
	defer reconciler.Close()

	reconciler.OnRemotePresence(PresenceRecord{
		UserId: "user2", ItemId: "item1", FieldKey: "script", LastSeenAt: clock.Now(),
	})
	assert.Equal(t, 1, len(table.All()))

	// the periodic sweep removes the record once it goes stale
	clock.Advance(13 * time.Second)
	assert.Equal(t, 0, len(table.All()))
}
