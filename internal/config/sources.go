package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/fragment"
)

// SourceEntry describes one detector source id and how many sub-sources it
// sends per event.
type SourceEntry struct {
	ID         uint8  `yaml:"id"`
	Name       string `yaml:"name"`
	SubSources int    `yaml:"subsources"`
}

// SourceTable lists the sources that contribute to every event.
//
//	primary:
//	  - {id: 0x04, name: CEDAR, subsources: 1}
//	auxiliary:
//	  - {id: 0x24, name: LKr, subsources: 32}
type SourceTable struct {
	Primary   []SourceEntry `yaml:"primary"`
	Auxiliary []SourceEntry `yaml:"auxiliary"`
}

// LoadSourceTable reads and validates a YAML source table.
func LoadSourceTable(path string) (*SourceTable, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading source table: %w", err)
	}
	return ParseSourceTable(data)
}

// ParseSourceTable decodes and validates a YAML source table.
func ParseSourceTable(data []byte) (*SourceTable, error) {
	var t SourceTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing source table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate rejects tables that could never complete an event.
func (t *SourceTable) Validate() error {
	if len(t.Primary) == 0 {
		return errors.New("source table has no primary sources")
	}
	seen := make(map[uint8]string)
	check := func(kind string, entries []SourceEntry) error {
		for _, e := range entries {
			if e.SubSources <= 0 || e.SubSources > 256 {
				return fmt.Errorf("%s source 0x%02x: subsources must be in 1..256, got %d", kind, e.ID, e.SubSources)
			}
			if prev, ok := seen[e.ID]; ok {
				return fmt.Errorf("%s source 0x%02x already listed as %s", kind, e.ID, prev)
			}
			seen[e.ID] = kind
		}
		return nil
	}
	if err := check("primary", t.Primary); err != nil {
		return err
	}
	return check("auxiliary", t.Auxiliary)
}

// Expectation returns the number of distinct sources that complete each
// delivery phase.
func (t *SourceTable) Expectation() event.Expectation {
	var e event.Expectation
	for _, s := range t.Primary {
		e.Primary += s.SubSources
	}
	for _, s := range t.Auxiliary {
		e.Auxiliary += s.SubSources
	}
	return e
}

// Known reports whether src is an expected source for kind.
func (t *SourceTable) Known(kind fragment.Kind, src fragment.Source) bool {
	entries := t.Primary
	if kind == fragment.Auxiliary {
		entries = t.Auxiliary
	}
	for _, e := range entries {
		if e.ID == src.ID {
			return int(src.SubID) < e.SubSources
		}
	}
	return false
}
