package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"mktcast/internal/normalize"
)

// Static serves bars from memory. It stands in for the network in tests and
// offline runs.
type Static struct {
	mu   sync.RWMutex
	bars map[string][]Bar
}

// NewStatic builds a Static source from per-symbol bars.
func NewStatic(bars map[string][]Bar) *Static {
	s := &Static{bars: make(map[string][]Bar, len(bars))}
	for sym, series := range bars {
		s.Set(sym, series)
	}
	return s
}

// Set replaces the bars served for symbol.
func (s *Static) Set(symbol string, bars []Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	syms := cleanSymbols([]string{symbol})
	if len(syms) == 0 {
		return
	}
	s.bars[syms[0]] = append([]Bar(nil), bars...)
}

// Fetch returns the stored bars dated within [from, to).
func (s *Static) Fetch(ctx context.Context, symbols []string, from, to time.Time) (normalize.RawTable, error) {
	if err := ctx.Err(); err != nil {
		return normalize.RawTable{}, err
	}
	symbols = cleanSymbols(symbols)
	if len(symbols) == 0 {
		return normalize.RawTable{}, errors.New("no symbols requested")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	selected := make(map[string][]Bar, len(symbols))
	for _, sym := range symbols {
		for _, b := range s.bars[sym] {
			if b.Date.Before(from) || !b.Date.Before(to) {
				continue
			}
			selected[sym] = append(selected[sym], b)
		}
	}
	return composeTable(symbols, selected), nil
}

var _ Source = (*Static)(nil)
