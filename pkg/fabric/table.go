package fabric

import (
	"fmt"
	"sync"

	"github.com/embermesh/matter/pkg/storage"
)

// DefaultMaxFabrics is the default SupportedFabrics value.
const DefaultMaxFabrics = 5

// Table holds the fabrics this node belongs to. All methods are safe
// for concurrent use. When a storage context is configured, mutations
// are written through.
type Table struct {
	mu      sync.RWMutex
	rows    map[Index]*Info
	max     int
	persist *storage.Context
}

// TableConfig configures a fabric table.
type TableConfig struct {
	// MaxFabrics caps the table size; defaults to DefaultMaxFabrics.
	MaxFabrics int

	// Storage, when set, is the "fabrics" context rows are persisted
	// into.
	Storage *storage.Context
}

// NewTable creates a fabric table and, when storage is configured,
// loads any persisted rows.
func NewTable(config TableConfig) (*Table, error) {
	if config.MaxFabrics <= 0 {
		config.MaxFabrics = DefaultMaxFabrics
	}
	t := &Table{
		rows:    make(map[Index]*Info),
		max:     config.MaxFabrics,
		persist: config.Storage,
	}
	if t.persist != nil {
		keys, err := t.persist.Keys()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			data, ok, err := t.persist.Get(k)
			if err != nil || !ok {
				continue
			}
			info, err := DecodeInfo(data)
			if err != nil {
				return nil, fmt.Errorf("fabric: corrupt row %q: %w", k, err)
			}
			t.rows[info.Index] = info
		}
	}
	return t, nil
}

// Count returns the number of commissioned fabrics.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// NextIndex returns the lowest free fabric index.
func (t *Table) NextIndex() (Index, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.rows) >= t.max {
		return IndexInvalid, ErrTableFull
	}
	for i := IndexMin; i <= IndexMax; i++ {
		if _, used := t.rows[i]; !used {
			return i, nil
		}
	}
	return IndexInvalid, ErrTableFull
}

// Add inserts a new fabric row.
func (t *Table) Add(info *Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rows) >= t.max {
		return ErrTableFull
	}
	if _, used := t.rows[info.Index]; used {
		return ErrConflict
	}
	for _, row := range t.rows {
		if row.FabricID == info.FabricID && string(row.RootCert) == string(info.RootCert) {
			return ErrConflict
		}
	}
	t.rows[info.Index] = info
	return t.persistRow(info)
}

// Update replaces an existing row (UpdateNOC, UpdateFabricLabel).
func (t *Table) Update(info *Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[info.Index]; !ok {
		return ErrNotFound
	}
	t.rows[info.Index] = info
	return t.persistRow(info)
}

// Remove deletes a row; RemoveFabric cascades to fabric-scoped data at
// the caller.
func (t *Table) Remove(index Index) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[index]; !ok {
		return ErrNotFound
	}
	delete(t.rows, index)
	if t.persist != nil {
		return t.persist.Delete(fmt.Sprintf("%d", index))
	}
	return nil
}

// Get returns the row for index, or nil.
func (t *Table) Get(index Index) *Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[index]
}

// FindByFabricID returns the first row with the given fabric id.
func (t *Table) FindByFabricID(id ID) *Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, row := range t.rows {
		if row.FabricID == id {
			return row
		}
	}
	return nil
}

// ForEach visits every row; returning an error stops the walk.
func (t *Table) ForEach(fn func(*Info) error) error {
	t.mu.RLock()
	rows := make([]*Info, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	t.mu.RUnlock()
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// SetLabel updates a fabric's label, rejecting duplicates across rows.
func (t *Table) SetLabel(index Index, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[index]
	if !ok {
		return ErrNotFound
	}
	for i, other := range t.rows {
		if i != index && other.Label == label && label != "" {
			return ErrConflict
		}
	}
	row.Label = label
	return t.persistRow(row)
}

func (t *Table) persistRow(info *Info) error {
	if t.persist == nil {
		return nil
	}
	data, err := info.Encode()
	if err != nil {
		return err
	}
	return t.persist.Set(fmt.Sprintf("%d", info.Index), data)
}
