package executor

import (
	"fmt"
	"sort"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// Cache is the replay log of one task run: resolved call results by ordinal.
type Cache struct {
	entries []domain.CallResult
	labels  map[string]int
}

// NewCache builds a cache from stored call results. Ordinals must form the dense
// sequence 0..n-1; a gap means the log is corrupt.
func NewCache(results []domain.CallResult) (*Cache, error) {
	sorted := make([]domain.CallResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	c := &Cache{entries: sorted, labels: make(map[string]int)}
	for i, r := range sorted {
		if r.Ordinal != i {
			return nil, fmt.Errorf("call cache has gap: expected ordinal %d, found %d", i, r.Ordinal)
		}
		if r.Label != "" {
			if prev, ok := c.labels[r.Label]; ok {
				return nil, fmt.Errorf("call cache has duplicate label %q at ordinals %d and %d", r.Label, prev, i)
			}
			c.labels[r.Label] = i
		}
	}
	return c, nil
}

func (c *Cache) at(ordinal int) (*domain.CallResult, bool) {
	if c == nil || ordinal < 0 || ordinal >= len(c.entries) {
		return nil, false
	}
	return &c.entries[ordinal], true
}

func (c *Cache) ordinalOf(label string) (int, bool) {
	if c == nil {
		return 0, false
	}
	i, ok := c.labels[label]
	return i, ok
}
