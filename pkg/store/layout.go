package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Layout is the persisted descriptor spec §6.3 asks for: a manifest, written
// once alongside a resource instance's bbolt files, listing the sub-databases
// present and their key shape, so tooling can self-describe a store without
// opening bbolt at all.
type Layout struct {
	Path string          `yaml:"path"`
	DBs  []LayoutDBEntry `yaml:"dbs"`
}

// LayoutDBEntry mirrors one registered sub-database's DBOptions.
type LayoutDBEntry struct {
	Name            string `yaml:"name"`
	AllowDuplicates bool   `yaml:"allow_duplicates"`
	IntegerKeys     bool   `yaml:"integer_keys"`
}

// BuildLayout captures the DB's currently-registered sub-databases as a
// Layout, sorted by name for a stable, diffable file.
func (d *DB) BuildLayout() Layout {
	registered := d.Registered()
	entries := make([]LayoutDBEntry, 0, len(registered))
	for name, opts := range registered {
		entries = append(entries, LayoutDBEntry{
			Name:            name,
			AllowDuplicates: opts.AllowDuplicates,
			IntegerKeys:     opts.IntegerKeys,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return Layout{Path: d.Path(), DBs: entries}
}

// WriteLayout marshals the DB's current layout to a YAML file (spec §6.3's
// layout.yaml), overwriting any previous manifest. Callers write this once
// at startup, after EnsureDB has registered every sub-database the resource's
// schema needs.
func (d *DB) WriteLayout(path string) error {
	layout := d.BuildLayout()

	data, err := yaml.Marshal(layout)
	if err != nil {
		return fmt.Errorf("store: marshal layout: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("store: create layout directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("store: write layout: %w", err)
	}
	return nil
}

// ReadLayout loads a previously-written layout.yaml without touching bbolt,
// for tooling that wants to inspect a resource instance's store shape
// (diagnostics, migrations) without an exclusive file lock on the database.
func ReadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("store: read layout: %w", err)
	}
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("store: parse layout: %w", err)
	}
	return layout, nil
}
