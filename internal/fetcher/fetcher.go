package fetcher

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"mktcast/internal/normalize"
)

// Source retrieves raw daily bars for a set of symbols over [from, to).
type Source interface {
	Fetch(ctx context.Context, symbols []string, from, to time.Time) (normalize.RawTable, error)
}

// Bar is one daily bar as delivered by a source. NaN marks a missing value.
type Bar struct {
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   float64
}

const dateLayout = "2006-01-02"

var barFields = []string{"Open", "High", "Low", "Close", "Adj Close", "Volume"}

func (b Bar) values() []any {
	return []any{b.Open, b.High, b.Low, b.Close, b.AdjClose, b.Volume}
}

// composeTable lays bars out the way multi-symbol downloads arrive: a single
// symbol yields a flat table, several symbols yield (field, SYMBOL) columns with
// NaN padding where a symbol has no bar for a date.
func composeTable(symbols []string, bars map[string][]Bar) normalize.RawTable {
	if len(symbols) == 1 {
		sym := symbols[0]
		table := normalize.RawTable{Symbol: sym, Columns: []normalize.Column{{"Date"}}}
		for _, f := range barFields {
			table.Columns = append(table.Columns, normalize.Column{f})
		}
		for _, b := range bars[sym] {
			table.Rows = append(table.Rows, append([]any{b.Date.Format(dateLayout)}, b.values()...))
		}
		return table
	}

	table := normalize.RawTable{Columns: []normalize.Column{{"Date", ""}}}
	for _, f := range barFields {
		for _, sym := range symbols {
			table.Columns = append(table.Columns, normalize.Column{f, sym})
		}
	}

	byDate := make(map[string]map[string]Bar)
	for _, sym := range symbols {
		for _, b := range bars[sym] {
			d := b.Date.Format(dateLayout)
			if byDate[d] == nil {
				byDate[d] = make(map[string]Bar)
			}
			byDate[d][sym] = b
		}
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, d := range dates {
		row := make([]any, 1, len(table.Columns))
		row[0] = d
		for fi := range barFields {
			for _, sym := range symbols {
				b, ok := byDate[d][sym]
				if !ok {
					row = append(row, math.NaN())
					continue
				}
				row = append(row, b.values()[fi])
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

func cleanSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
