// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package property implements the property catalog and property-map
// projection of spec.md §3/§4.G: the global name/type registry every
// partition's Grid and AttributeStore project into a dense local index.
package property

import (
	"regexp"
	"sync"

	"github.com/pkg/errors"

	"github.com/opensetdb/core/internal/ringmap"
)

// Type is a property's value type.
type Type int

const (
	TypeInt Type = iota
	TypeDouble
	TypeBool
	TypeText
)

// Reserved ids, per spec.md §3: "id 0 = stamp, 1 = event-name, 2 = uuid".
const (
	Stamp     int32 = 0
	EventName int32 = 1
	UUID      int32 = 2

	// ReservedMax is the top of the reserved id band; ids below it are
	// never handed out to Register.
	ReservedMax int32 = 1000

	// OmitFirst..OmitLast is a sub-range of the reserved band excluded from
	// indexing outright (internal bookkeeping columns with no meaningful
	// segment semantics). The stamp column is excluded too, but
	// separately -- spec.md §4.F's markDirty contract names it apart from
	// this range.
	OmitFirst int32 = 3
	OmitLast  int32 = 9

	// MaxProperties bounds the id space, per spec.md §3 ("id ∈ [0,4096)").
	MaxProperties int32 = 4096
)

var identifierRE = regexp.MustCompile(`^[^ 0-9][a-z0-9_]+$`)

// ErrInvalidIdentifier, ErrUnknownProperty, ErrTypeMismatch, ErrSetMismatch
// are the schema-error kinds of spec.md §7, surfaced to the caller and
// never fatal.
var (
	ErrInvalidIdentifier = errors.New("property: invalid identifier")
	ErrUnknownProperty   = errors.New("property: unknown property")
	ErrTypeMismatch      = errors.New("property: type mismatch")
	ErrSetMismatch       = errors.New("property: set/non-set mismatch")
	ErrCatalogFull       = errors.New("property: catalog exhausted")
)

// Property is one catalog entry, per spec.md §3.
type Property struct {
	ID                 int32
	Name               string
	Type               Type
	IsSet              bool
	IsCustomerProperty bool
	Deleted            bool
}

// Catalog is the global, read-mostly property registry. Per spec.md §5,
// writers (schema changes) and readers both take the same lock; readers
// copy what they need before releasing it.
type Catalog struct {
	mu       sync.Mutex
	byID     []Property // index 0..ReservedMax reserved, then user properties
	byName   *ringmap.Map[string, int32]
	freeList []int32
}

// NewCatalog builds a catalog pre-seeded with the three always-reserved
// ids.
func NewCatalog() *Catalog {
	c := &Catalog{
		byID:   make([]Property, ReservedMax),
		byName: ringmap.New[string, int32](ringmap.Lt1M, stringHash),
	}
	c.byID[Stamp] = Property{ID: Stamp, Name: "stamp", Type: TypeInt}
	c.byID[EventName] = Property{ID: EventName, Name: "event", Type: TypeText}
	c.byID[UUID] = Property{ID: UUID, Name: "uuid", Type: TypeText}
	c.byName.Set("stamp", Stamp)
	c.byName.Set("event", EventName)
	c.byName.Set("uuid", UUID)
	return c
}

func stringHash(s string) uint64 {
	// FNV-1a; cheap and stable for the catalog's own name index. AttrRecord
	// keys and blob keys are hashed with the pinned murmur3 hash in
	// internal/attrstore, kept distinct from this one.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Register creates a new property, or returns the existing id if name is
// already registered with matching type/isSet. Returns ErrInvalidIdentifier
// for a malformed name and ErrTypeMismatch/ErrSetMismatch on a conflicting
// re-registration.
func (c *Catalog) Register(name string, typ Type, isSet, isCustomerProperty bool) (int32, error) {
	if !identifierRE.MatchString(name) {
		return 0, errors.Wrapf(ErrInvalidIdentifier, "%q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byName.Get(name); ok {
		existing := c.byID[id]
		if existing.Deleted {
			return 0, errors.Wrapf(ErrUnknownProperty, "%q was deleted", name)
		}
		if existing.Type != typ {
			return 0, errors.Wrapf(ErrTypeMismatch, "%q", name)
		}
		if existing.IsSet != isSet {
			return 0, errors.Wrapf(ErrSetMismatch, "%q", name)
		}
		return id, nil
	}

	var id int32
	if n := len(c.freeList); n > 0 {
		id = c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
	} else {
		id = int32(len(c.byID))
		if id >= MaxProperties {
			return 0, ErrCatalogFull
		}
		c.byID = append(c.byID, Property{})
	}
	c.byID[id] = Property{ID: id, Name: name, Type: typ, IsSet: isSet, IsCustomerProperty: isCustomerProperty}
	c.byName.Set(name, id)
	return id, nil
}

// Lookup resolves name to its registered Property.
func (c *Catalog) Lookup(name string) (Property, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byName.Get(name)
	if !ok {
		return Property{}, false
	}
	return c.byID[id], true
}

// Get returns the Property at id.
func (c *Catalog) Get(id int32) (Property, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || int(id) >= len(c.byID) {
		return Property{}, false
	}
	p := c.byID[id]
	if p.Name == "" {
		return Property{}, false
	}
	return p, true
}

// Delete tombstones a property: it frees the name for reuse and marks the
// slot reusable by a future Register, per spec.md §3.
func (c *Catalog) Delete(id int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || int(id) >= len(c.byID) || c.byID[id].Name == "" {
		return errors.Wrapf(ErrUnknownProperty, "id %d", id)
	}
	name := c.byID[id].Name
	c.byID[id] = Property{ID: id, Deleted: true}
	c.byName.Erase(name)
	if id >= ReservedMax {
		c.freeList = append(c.freeList, id)
	}
	return nil
}

// Indexable reports whether an id lies outside the always-excluded range
// (the stamp column and OmitFirst..OmitLast), per spec.md §4.F's
// markDirty contract.
func Indexable(id int32) bool {
	if id == Stamp {
		return false
	}
	return id < OmitFirst || id > OmitLast
}

// IsIndexable reports whether id currently participates in bitmap
// indexing: registered, not deleted, and outside the omitted range.
func (c *Catalog) IsIndexable(id int32) bool {
	if !Indexable(id) {
		return false
	}
	p, ok := c.Get(id)
	return ok && !p.Deleted
}
