package editsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRowDocumentFieldPaths(t *testing.T) {
	row := NewRowDocument(`{"name":"Opening","duration":"00:30"}`)

	value, ok := row.Value("name")
	assert.Equal(t, true, ok)
	assert.Equal(t, "Opening", value)

	_, ok = row.Value("notes")
	assert.Equal(t, false, ok)

	row, err := row.WithValue("notes", "check mics")
	assert.Equal(t, nil, err)
	value, _ = row.Value("notes")
	assert.Equal(t, "check mics", value)

	// custom fields address a nested path
	row, err = row.WithValue(CustomFieldKey("camera"), "cam 2")
	assert.Equal(t, nil, err)
	value, ok = row.Value("customFields.camera")
	assert.Equal(t, true, ok)
	assert.Equal(t, "cam 2", value)

	_, err = row.WithValue("", "x")
	assert.Equal(t, ErrEmptyFieldKey, err)
}

func TestMemoryStoreCommitAndFanOut(t *testing.T) {
	store := NewMemoryStore()
	store.AddRow("item1", `{"name":"Opening"}`)

	received := []commitRecord{}
	subscriptionId := store.Subscribe(func(address CellAddress, value string) {
		received = append(received, commitRecord{address: address, value: value})
	})

	address := CellAddress{ItemId: "item1", FieldKey: "script"}
	err := store.Commit(address, "Hello")
	assert.Equal(t, nil, err)

	value, ok := store.Value(address)
	assert.Equal(t, true, ok)
	assert.Equal(t, "Hello", value)
	assert.Equal(t, []commitRecord{{address: address, value: "Hello"}}, received)

	// commits to unseeded rows create them
	other := CellAddress{ItemId: "item9", FieldKey: "notes"}
	err = store.Commit(other, "new row")
	assert.Equal(t, nil, err)
	value, _ = store.Value(other)
	assert.Equal(t, "new row", value)
	assert.Equal(t, []string{"item1", "item9"}, store.ItemIds())

	store.Unsubscribe(subscriptionId)
	store.Commit(address, "quiet")
	assert.Equal(t, 2, len(received))
}

// two clients over one store: A's coalesced commit reaches B, and B's
// protected cell defers it until B's own session ends.
func TestMemoryStoreTwoClientConvergence(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	store.AddRow("item1", `{"script":""}`)

	settings := func() *EditClientSettings {
		settings := DefaultEditClientSettings()
		settings.ExpireSweepTimeout = 0
		settings.Clock = clock
		return settings
	}

	clientA := NewEditClient(User{UserId: "userA", UserName: "Alice"}, store.Commit, settings())
	defer clientA.Close()
	clientB := NewEditClient(User{UserId: "userB", UserName: "Bob"}, store.Commit, settings())
	defer clientB.Close()

	store.Subscribe(func(address CellAddress, value string) {
		clientA.OnRemoteValue(address, value)
		clientB.OnRemoteValue(address, value)
	})

	script := CellAddress{ItemId: "item1", FieldKey: "script"}
	notes := CellAddress{ItemId: "item1", FieldKey: "notes"}

	// B is editing notes while A types the script
	clientB.OnFocus(notes)
	clientA.OnFocus(script)
	clientA.OnLocalEdit(script, "Hello from A")
	clock.Advance(250 * time.Millisecond)

	// the committed script reached B's unprotected cell
	value, ok := clientB.Value(script)
	assert.Equal(t, true, ok)
	assert.Equal(t, "Hello from A", value)

	// A's own echo left its buffer clean and unchanged
	value, _ = clientA.Value(script)
	assert.Equal(t, "Hello from A", value)
	assert.Equal(t, false, clientA.IsDirty(script))

	// B's focused cell defers A's write to it
	clientB.OnLocalEdit(notes, "B's draft")
	clock.Advance(250 * time.Millisecond)
	clientA.OnLocalEdit(notes, "A's note")
	clock.Advance(250 * time.Millisecond)
	value, _ = clientB.Value(notes)
	assert.Equal(t, "B's draft", value)

	// once B blurs, the store value surfaces
	clientB.OnBlur(notes)
	value, _ = clientB.Value(notes)
	assert.Equal(t, "A's note", value)
}
