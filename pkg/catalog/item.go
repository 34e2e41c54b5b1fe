// Package catalog contains the inventory item model and the in-memory
// item table that flows through the pipeline stages.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// Item is a single inventory record. The table owns every item; only the
// stage currently executing may mutate it.
type Item struct {
	ID           string            `json:"id"`
	RawDesc      string            `json:"raw_description"`
	CleanDesc    string            `json:"clean_description,omitempty"`
	EnrichedDesc string            `json:"enriched_description,omitempty"`
	Category     string            `json:"category,omitempty"`
	Quantity     int               `json:"quantity,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Description returns the best available description for analysis:
// enriched if present, then cleaned, then raw.
func (it *Item) Description() string {
	if it.EnrichedDesc != "" {
		return it.EnrichedDesc
	}
	if it.CleanDesc != "" {
		return it.CleanDesc
	}
	return it.RawDesc
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	cp := *it
	if it.Attributes != nil {
		cp.Attributes = make(map[string]string, len(it.Attributes))
		for k, v := range it.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// sortedAttrKeys returns attribute keys in lexical order.
func (it *Item) sortedAttrKeys() []string {
	keys := make([]string, 0, len(it.Attributes))
	for k := range it.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Table is an ordered collection of items with unique IDs. It is the single
// mutable shared state of a pipeline run.
type Table struct {
	items []*Item
	index map[string]int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Add appends an item. Empty and duplicate IDs are rejected.
func (t *Table) Add(it *Item) error {
	if it.ID == "" {
		return fmt.Errorf("item with empty id")
	}
	if _, ok := t.index[it.ID]; ok {
		return fmt.Errorf("duplicate item id %q", it.ID)
	}
	t.index[it.ID] = len(t.items)
	t.items = append(t.items, it)
	return nil
}

// Get returns the item with the given ID. Returns (nil, false) if not found.
func (t *Table) Get(id string) (*Item, bool) {
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.items[i], true
}

// Items returns the items in insertion order. The slice is shared; callers
// must not reorder it.
func (t *Table) Items() []*Item {
	return t.items
}

// Len returns the number of items.
func (t *Table) Len() int {
	return len(t.items)
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	cp := NewTable()
	for _, it := range t.items {
		// Add cannot fail: IDs were unique in the source table.
		_ = cp.Add(it.Clone())
	}
	return cp
}

// Validate checks table invariants: non-empty unique identifiers.
func (t *Table) Validate() error {
	seen := make(map[string]bool, len(t.items))
	for _, it := range t.items {
		if it.ID == "" {
			return fmt.Errorf("item with empty id")
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate item id %q", it.ID)
		}
		seen[it.ID] = true
	}
	return nil
}

// Hash returns a hex-encoded content hash over every item field in table
// order. Two tables with identical content hash identically regardless of
// how they were produced, which makes the hash usable as the upstream part
// of a stage fingerprint.
func (t *Table) Hash() string {
	h := sha256.New()
	for _, it := range t.items {
		writeField(h, it.ID)
		writeField(h, it.RawDesc)
		writeField(h, it.CleanDesc)
		writeField(h, it.EnrichedDesc)
		writeField(h, it.Category)
		writeField(h, strconv.Itoa(it.Quantity))
		for _, k := range it.sortedAttrKeys() {
			writeField(h, k)
			writeField(h, it.Attributes[k])
		}
		h.Write([]byte{0x1e}) // record separator
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	h.Write([]byte(s))
	h.Write([]byte{0x1f}) // unit separator, keeps "ab"+"c" distinct from "a"+"bc"
}

// MarshalJSON encodes the table as a plain item array.
func (t *Table) MarshalJSON() ([]byte, error) {
	if t.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.items)
}

// UnmarshalJSON decodes an item array and rebuilds the index, rejecting
// duplicate IDs.
func (t *Table) UnmarshalJSON(data []byte) error {
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	t.items = nil
	t.index = make(map[string]int, len(items))
	for _, it := range items {
		if err := t.Add(it); err != nil {
			return err
		}
	}
	return nil
}
