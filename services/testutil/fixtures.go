package testutil

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
)

// Catalog is a fixed set of analyzer service names.
type Catalog map[string]bool

func NewCatalog(names ...string) Catalog {
	c := Catalog{}
	for _, n := range names {
		c[n] = true
	}
	return c
}

func (c Catalog) Has(name string) bool { return c[name] }

// DefaultServices are the four analyzer services used throughout the tests.
var DefaultServices = []string{"ai-analyzer", "dynamic-analyzer", "performance-tester", "static-analyzer"}

// SeqIDs hands out increasing numeric ids.
type SeqIDs struct {
	n atomic.Int64
}

func (s *SeqIDs) Next() string {
	return strconv.FormatInt(1000+s.n.Add(1), 10)
}

// NewMockClock returns a mock clock set to a fixed UTC instant.
func NewMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Add(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Sub(m.Now()))
	return m
}
