package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// SQLiteSource reads the catalog from a SQLite database. The item table is
// expected to carry id, description, quantity and an attributes column
// holding a JSON object of string pairs.
type SQLiteSource struct {
	// Table is the item table name. Defaults to "items".
	Table string
}

// Load queries the whole table read-only and returns it all-or-nothing.
func (s *SQLiteSource) Load(ctx context.Context, path string) (*catalog.Table, error) {
	table := s.Table
	if table == "" {
		table = "items"
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnreadableInput, path, err)
	}
	defer db.Close()

	query := fmt.Sprintf(
		`SELECT id, description, COALESCE(quantity, 0), COALESCE(attributes, '') FROM %q ORDER BY rowid`,
		table,
	)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrUnreadableInput, path, err)
	}
	defer rows.Close()

	tbl := catalog.NewTable()
	for rows.Next() {
		var (
			item  catalog.Item
			attrs string
		)
		if err := rows.Scan(&item.ID, &item.RawDesc, &item.Quantity, &attrs); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrUnreadableInput, path, err)
		}
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &item.Attributes); err != nil {
				return nil, fmt.Errorf("%w: item %s: bad attributes json: %v", ErrUnreadableInput, item.ID, err)
			}
		}
		if err := tbl.Add(&item); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableInput, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreadableInput, path, err)
	}
	return tbl, nil
}
