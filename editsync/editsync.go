package editsync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

/*
Synchronizes cell-granular edits of a shared rundown grid with properties:
- local edits are visible immediately (optimistic value)
- rapid edits to one cell coalesce into one commit per debounce window
- a blur always flushes the final local value, exactly once
- remote values never overwrite a cell that is locally focused or dirty
- collaborators see "who is editing what" via heartbeat presence,
  self-healing on missed signals via liveness expiry

The package owns no transport and no persistence. Commits and presence
announcements leave through callbacks, remote values and presence records
enter through the On* methods of EditClient.
*/

// prefix for custom field paths in a field key
const CustomFieldPrefix = "customFields."

// comparable
// identifies a single editable field of the grid
type CellAddress struct {
	ItemId   string
	FieldKey string
}

func (self CellAddress) IsCustomField() bool {
	return strings.HasPrefix(self.FieldKey, CustomFieldPrefix)
}

func (self CellAddress) String() string {
	return fmt.Sprintf("(%s,%s)", self.ItemId, self.FieldKey)
}

// CustomFieldKey builds the field key for a custom field column.
func CustomFieldKey(key string) string {
	return CustomFieldPrefix + key
}

// the local editor identity stamped into outbound presence
type User struct {
	UserId   string
	UserName string
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// FieldResolver maps UI column keys to canonical field keys.
//
// Multiple columns can alias one logical field (e.g. `segmentName` and
// `name` both resolve to field `name`). The mapping is an explicit table,
// not a string convention, so the rendering layer can register its own
// aliases for custom layouts. Custom field columns pass through unchanged
// since their key is already the canonical `customFields.<key>` path.
type FieldResolver struct {
	stateLock sync.Mutex
	aliases   map[string]string
}

func NewFieldResolver() *FieldResolver {
	return &FieldResolver{
		aliases: map[string]string{
			"segmentName":     "name",
			"segmentDuration": "duration",
			"segmentNotes":    "notes",
		},
	}
}

// RegisterAlias maps a UI column key to a canonical field key.
func (self *FieldResolver) RegisterAlias(columnKey string, fieldKey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.aliases[columnKey] = fieldKey
}

// Resolve returns the canonical field key for a column key.
// Unaliased keys resolve to themselves.
func (self *FieldResolver) Resolve(columnKey string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if fieldKey, ok := self.aliases[columnKey]; ok {
		return fieldKey
	}
	return columnKey
}

// Canonical rewrites an address so that aliased columns share one buffer.
func (self *FieldResolver) Canonical(address CellAddress) CellAddress {
	return CellAddress{
		ItemId:   address.ItemId,
		FieldKey: self.Resolve(address.FieldKey),
	}
}
