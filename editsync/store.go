package editsync

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RemoteValueFunction delivers a committed value to a subscribed client.
type RemoteValueFunction func(address CellAddress, value string)

// RowDocument reads and writes one row's field values inside a JSON
// document. Field keys are gjson paths, so built-in fields address top
// level keys and custom fields address `customFields.<key>`.
type RowDocument struct {
	json string
}

func NewRowDocument(json string) RowDocument {
	if json == "" {
		json = "{}"
	}
	return RowDocument{json: json}
}

func (self RowDocument) Json() string {
	return self.json
}

func (self RowDocument) Value(fieldKey string) (string, bool) {
	result := gjson.Get(self.json, fieldKey)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

func (self RowDocument) WithValue(fieldKey string, value string) (RowDocument, error) {
	if fieldKey == "" {
		return self, ErrEmptyFieldKey
	}
	json, err := sjson.Set(self.json, fieldKey, value)
	if err != nil {
		return self, err
	}
	return RowDocument{json: json}, nil
}

// MemoryStore is an in-process implementation of the external store
// boundary, used by the simulator and tests. Commit applies last-writer-wins
// to the row document and fans the value out to every subscriber, including
// the committer (the committer's buffer is clean with the same committed
// value at that point, so the echo is a no-op there).
type MemoryStore struct {
	stateLock sync.Mutex
	// item id -> row document
	rows map[string]RowDocument

	subscriberCallbacks *callbackList[RemoteValueFunction]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:                map[string]RowDocument{},
		subscriberCallbacks: newCallbackList[RemoteValueFunction](),
	}
}

// AddRow seeds a row document for itemId.
func (self *MemoryStore) AddRow(itemId string, json string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.rows[itemId] = NewRowDocument(json)
}

// Commit implements CommitFunction against the in-memory grid.
func (self *MemoryStore) Commit(address CellAddress, value string) error {
	self.stateLock.Lock()
	row, ok := self.rows[address.ItemId]
	if !ok {
		row = NewRowDocument("")
	}
	nextRow, err := row.WithValue(address.FieldKey, value)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.rows[address.ItemId] = nextRow
	self.stateLock.Unlock()

	for _, callback := range self.subscriberCallbacks.get() {
		callback := callback
		safeCall(func() {
			callback(address, value)
		})
	}
	return nil
}

// Value reads the current value at address.
func (self *MemoryStore) Value(address CellAddress) (string, bool) {
	self.stateLock.Lock()
	row, ok := self.rows[address.ItemId]
	self.stateLock.Unlock()

	if !ok {
		return "", false
	}
	return row.Value(address.FieldKey)
}

// Row returns the row document for itemId.
func (self *MemoryStore) Row(itemId string) (RowDocument, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row, ok := self.rows[itemId]
	if !ok {
		return RowDocument{}, ErrItemNotFound
	}
	return row, nil
}

// ItemIds returns the seeded item ids in sorted order.
func (self *MemoryStore) ItemIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	itemIds := maps.Keys(self.rows)
	slices.Sort(itemIds)
	return itemIds
}

// Subscribe registers a callback for every committed value.
func (self *MemoryStore) Subscribe(callback RemoteValueFunction) Id {
	return self.subscriberCallbacks.add(callback)
}

func (self *MemoryStore) Unsubscribe(subscriptionId Id) {
	self.subscriberCallbacks.remove(subscriptionId)
}
