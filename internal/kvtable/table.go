package kvtable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ChangelogFunc mirrors a Table mutation to a changelog. value is nil on
// delete. Put and Delete call it synchronously after the local write and
// return its error; a failed call does not undo the local write.
type ChangelogFunc[V any] func(ctx context.Context, key string, value *V) error

// Table is a generically-typed view over a Store, namespaced by name. It
// implements the get/put/delete/keys contract of spec.md §9.
type Table[V any] struct {
	store     *Store
	name      string
	def       func() V
	changelog ChangelogFunc[V]
}

// NewTable returns a Table namespaced by name, backed by store. def
// produces the zero/default value returned by Get for an absent key
// (mirrors Faust's `app.Table(name, default=...)`). changelog may be nil if
// the table does not need changelog mirroring (e.g. in tests).
func NewTable[V any](store *Store, name string, def func() V, changelog ChangelogFunc[V]) *Table[V] {
	return &Table[V]{store: store, name: name, def: def, changelog: changelog}
}

// Get returns the value stored at key, or the table's default value if the
// key is absent. A missing key is not an error — this matches Faust table
// semantics where `table[key]` never raises KeyError.
func (t *Table[V]) Get(ctx context.Context, key string) (V, error) {
	var row kvEntry
	err := t.store.db.WithContext(ctx).
		Where("table_name = ? AND key = ?", t.name, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return t.def(), nil
	}
	if err != nil {
		var zero V
		return zero, fmt.Errorf("kvtable: get %s/%s: %w", t.name, key, err)
	}

	var v V
	if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
		var zero V
		return zero, fmt.Errorf("kvtable: decode %s/%s: %w", t.name, key, err)
	}
	return v, nil
}

// Put persists value at key and mirrors the mutation to the changelog.
func (t *Table[V]) Put(ctx context.Context, key string, value V) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvtable: encode %s/%s: %w", t.name, key, err)
	}

	row := kvEntry{TableName: t.name, Key: key, Value: string(encoded)}
	err = t.store.db.WithContext(ctx).
		Save(&row).Error
	if err != nil {
		return fmt.Errorf("kvtable: put %s/%s: %w", t.name, key, err)
	}

	if t.changelog != nil {
		if err := t.changelog(ctx, key, &value); err != nil {
			return fmt.Errorf("kvtable: changelog put %s/%s: %w", t.name, key, err)
		}
	}
	return nil
}

// Delete removes key from the table and mirrors the deletion to the
// changelog. Deleting an absent key is not an error.
func (t *Table[V]) Delete(ctx context.Context, key string) error {
	err := t.store.db.WithContext(ctx).
		Where("table_name = ? AND key = ?", t.name, key).
		Delete(&kvEntry{}).Error
	if err != nil {
		return fmt.Errorf("kvtable: delete %s/%s: %w", t.name, key, err)
	}

	if t.changelog != nil {
		if err := t.changelog(ctx, key, nil); err != nil {
			return fmt.Errorf("kvtable: changelog delete %s/%s: %w", t.name, key, err)
		}
	}
	return nil
}

// Keys returns every key currently stored in the table. Used by the scan
// cleanup and override procedures (spec.md §4.1) to scan for paths
// belonging to a given scan number.
func (t *Table[V]) Keys(ctx context.Context) ([]string, error) {
	var rows []kvEntry
	if err := t.store.db.WithContext(ctx).
		Where("table_name = ?", t.name).
		Select("key").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("kvtable: keys %s: %w", t.name, err)
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key)
	}
	return keys, nil
}
