// Package source provides data-source adapters that load a raw inventory
// catalog into a validated item table.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// ErrUnreadableInput marks an unsupported format or corrupt file. Loading
// is all-or-nothing: a source never returns a partially populated table.
var ErrUnreadableInput = errors.New("unreadable input")

// DataSource loads the catalog at path into an item table.
type DataSource interface {
	Load(ctx context.Context, path string) (*catalog.Table, error)
}

// ForKind returns the data source adapter for a config source kind.
func ForKind(kind, table string) (DataSource, error) {
	switch kind {
	case "csv":
		return &CSVSource{}, nil
	case "sqlite":
		return &SQLiteSource{Table: table}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}
