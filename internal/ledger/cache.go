package ledger

import (
	"sort"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
)

// Cache is the client's copy of the table. Versions never decrease.
type Cache struct {
	rows       map[rows.RowID]rows.Row
	checkpoint int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{rows: make(map[rows.RowID]rows.Row)}
}

// Get returns a copy of the cached row.
func (c *Cache) Get(rowID rows.RowID) (rows.Row, bool) {
	row, ok := c.rows[rowID]
	if !ok {
		return rows.Row{}, false
	}
	return row.Clone(), true
}

// Merge stores row when it is unknown or strictly newer than the cached version.
func (c *Cache) Merge(row rows.Row) bool {
	if cached, ok := c.rows[row.ID]; ok && row.Version <= cached.Version {
		return false
	}
	c.rows[row.ID] = row.Clone()
	if row.UpdatedAtSeconds > c.checkpoint {
		c.checkpoint = row.UpdatedAtSeconds
	}
	return true
}

// Rows lists the cached rows ordered by id.
func (c *Cache) Rows() []rows.Row {
	result := make([]rows.Row, 0, len(c.rows))
	for _, row := range c.rows {
		result = append(result, row.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Len reports the number of cached rows.
func (c *Cache) Len() int {
	return len(c.rows)
}

// Checkpoint is the newest update time seen, used for incremental resync.
func (c *Cache) Checkpoint() int64 {
	return c.checkpoint
}
