package dataset

import (
	"fmt"
	"strings"
)

// FactSchema describes an append-only fact table. Columns are "name:TYPE" pairs.
type FactSchema interface {
	Name() string
	Columns() []string
	UniqueKeyColumns() []string
	TimeColumn() string
	PartitionByTime() bool
	DedupMode() DedupMode
	DedupVersionColumn() string
}

func extractColumnNames(defs []string) ([]string, error) {
	names := make([]string, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		name, typ, ok := strings.Cut(def, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(typ) == "" {
			return nil, fmt.Errorf("invalid column definition %q, want name:TYPE", def)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}
