package market

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// Instrument describes a tradeable instrument known to the service.
type Instrument struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Catalog answers whether an instrument is known. Subscriptions to
// unknown instruments are rejected at command validation time.
type Catalog interface {
	Has(instrumentID string) bool
	Lookup(instrumentID string) (Instrument, bool)
	Instruments() []Instrument
}

// StaticCatalog is an immutable in-memory catalog. Safe for concurrent
// reads; updates replace the whole catalog via Reload.
type StaticCatalog struct {
	mu   sync.RWMutex
	byID map[string]Instrument
}

// NewStaticCatalog builds a catalog from a fixed instrument list.
func NewStaticCatalog(instruments []Instrument) *StaticCatalog {
	c := &StaticCatalog{}
	c.replace(instruments)
	return c
}

// LoadCatalog reads a JSON instrument list from disk.
func LoadCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var instruments []Instrument
	if err := json.Unmarshal(data, &instruments); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	for i, inst := range instruments {
		if inst.ID == "" {
			return nil, fmt.Errorf("catalog %s: instrument %d missing id", path, i)
		}
	}

	return NewStaticCatalog(instruments), nil
}

func (c *StaticCatalog) replace(instruments []Instrument) {
	byID := make(map[string]Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.ID] = inst
	}

	c.mu.Lock()
	c.byID = byID
	c.mu.Unlock()
}

// Reload atomically replaces the instrument set.
func (c *StaticCatalog) Reload(instruments []Instrument) {
	c.replace(instruments)
}

// Has reports whether the instrument exists.
func (c *StaticCatalog) Has(instrumentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byID[instrumentID]
	return ok
}

// Lookup returns the instrument when known.
func (c *StaticCatalog) Lookup(instrumentID string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byID[instrumentID]
	return inst, ok
}

// Instruments returns all instruments sorted by ID.
func (c *StaticCatalog) Instruments() []Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Instrument, 0, len(c.byID))
	for _, inst := range c.byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
