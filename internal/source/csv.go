package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// CSVSource reads a header-first CSV catalog. The "id" and "description"
// columns are required; an optional "quantity" column is parsed as an
// integer and every remaining column becomes a free-form attribute.
type CSVSource struct{}

// Load reads the whole file before constructing the table, so a malformed
// row rejects the load without producing a partial table.
func (s *CSVSource) Load(ctx context.Context, path string) (*catalog.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnreadableInput, path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrUnreadableInput, path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no header row", ErrUnreadableInput, path)
	}

	header := records[0]
	idCol, descCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			idCol = i
		case "description":
			descCol = i
		}
	}
	if idCol < 0 || descCol < 0 {
		return nil, fmt.Errorf("%w: %s must have id and description columns", ErrUnreadableInput, path)
	}

	tbl := catalog.NewTable()
	for rowNum, row := range records[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := &catalog.Item{
			ID:      strings.TrimSpace(row[idCol]),
			RawDesc: row[descCol],
		}
		for i, name := range header {
			if i == idCol || i == descCol || i >= len(row) {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(name))
			val := strings.TrimSpace(row[i])
			if val == "" {
				continue
			}
			if key == "quantity" {
				qty, err := strconv.Atoi(val)
				if err != nil {
					return nil, fmt.Errorf("%w: row %d: bad quantity %q", ErrUnreadableInput, rowNum+2, val)
				}
				item.Quantity = qty
				continue
			}
			if item.Attributes == nil {
				item.Attributes = make(map[string]string)
			}
			item.Attributes[key] = val
		}
		if err := tbl.Add(item); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrUnreadableInput, rowNum+2, err)
		}
	}
	return tbl, nil
}
