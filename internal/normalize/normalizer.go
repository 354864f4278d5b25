// Package normalize flattens raw market-data tables into canonical records.
//
// A raw table may be flat (one symbol, columns like "Open" or "Adj Close") or
// grouped (several symbols, columns like ("Close", "AAPL") or "AAPL.Close").
// Both shapes produce the same records for the same underlying data.
package normalize

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// RawTable is a batch of rows as delivered by a market-data source.
type RawTable struct {
	// Symbol applies to columns and rows that carry no symbol of their own.
	Symbol  string
	Columns []Column
	Rows    [][]any
}

// Record is a flat observation with the canonical field set. Timestamp is kept
// as text; the identity resolver decides whether it parses.
type Record struct {
	Symbol    string
	Timestamp string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	AdjClose  decimal.Decimal
	Volume    int64
}

// Diagnostic explains why input was ignored or a record was dropped.
// Row is -1 for column-level diagnostics.
type Diagnostic struct {
	Row     int
	Symbol  string
	Column  string
	Missing []Field
	Reason  string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	if d.Row >= 0 {
		fmt.Fprintf(&b, "row %d", d.Row)
	} else {
		b.WriteString("table")
	}
	if d.Symbol != "" {
		fmt.Fprintf(&b, " symbol %s", d.Symbol)
	}
	if d.Column != "" {
		fmt.Fprintf(&b, " column %q", d.Column)
	}
	b.WriteString(": ")
	b.WriteString(d.Reason)
	if len(d.Missing) > 0 {
		names := make([]string, len(d.Missing))
		for i, f := range d.Missing {
			names[i] = string(f)
		}
		fmt.Fprintf(&b, " (missing %s)", strings.Join(names, ", "))
	}
	return b.String()
}

// Result is the outcome of normalizing one table.
type Result struct {
	Records []Record
	Dropped []Diagnostic
	Ignored []Diagnostic
}

// Normalize converts a raw table into canonical records. It is a pure function:
// records missing any required field are dropped and reported, never emitted
// partially. Output is ordered by row, then symbol.
func Normalize(table RawTable) Result {
	var res Result

	resolved := make([]resolvedColumn, len(table.Columns))
	usable := make([]bool, len(table.Columns))
	var columnSymbols []string
	header := detectLayout(table.Columns)
	for i, col := range table.Columns {
		rc, ok := header.resolve(col)
		if !ok {
			res.Ignored = append(res.Ignored, Diagnostic{
				Row:    -1,
				Column: strings.Join(col, "."),
				Reason: "unrecognised column",
			})
			continue
		}
		resolved[i] = rc
		usable[i] = true
		if rc.symbol != "" && !slices.Contains(columnSymbols, rc.symbol) {
			columnSymbols = append(columnSymbols, rc.symbol)
		}
	}
	sort.Strings(columnSymbols)

	defaultSymbol := strings.ToUpper(strings.TrimSpace(table.Symbol))

	for rowIdx, row := range table.Rows {
		rowSymbol := defaultSymbol
		symbolFromRow := false
		var rowTS any
		groups := make(map[string]map[Field]any)

		for i, rc := range resolved {
			if !usable[i] || i >= len(row) || isAbsent(row[i]) {
				continue
			}
			v := row[i]
			switch rc.field {
			case FieldSymbol:
				if s := strings.ToUpper(strings.TrimSpace(fmt.Sprint(v))); s != "" && !symbolFromRow {
					rowSymbol = s
					symbolFromRow = true
				}
				continue
			case FieldTimestamp:
				if rc.symbol == "" {
					if rowTS == nil {
						rowTS = v
					}
					continue
				}
			}
			key := rc.symbol
			if key == "" {
				key = "\x00row"
			}
			g, ok := groups[key]
			if !ok {
				g = make(map[Field]any)
				groups[key] = g
			}
			// first column wins when several naming variants map to one field
			if _, set := g[rc.field]; !set {
				g[rc.field] = v
			}
		}

		// symbol-less value columns belong to the row's symbol
		if g, ok := groups["\x00row"]; ok {
			delete(groups, "\x00row")
			if rowSymbol == "" {
				res.Dropped = append(res.Dropped, Diagnostic{Row: rowIdx, Reason: "no symbol for row", Missing: []Field{FieldSymbol}})
			} else if existing, ok := groups[rowSymbol]; ok {
				for f, v := range g {
					if _, set := existing[f]; !set {
						existing[f] = v
					}
				}
			} else {
				groups[rowSymbol] = g
			}
		}

		for _, sym := range columnSymbols {
			if _, ok := groups[sym]; !ok {
				res.Dropped = append(res.Dropped, Diagnostic{
					Row:     rowIdx,
					Symbol:  sym,
					Missing: append([]Field(nil), valueFields...),
					Reason:  "no values",
				})
			}
		}

		symbols := make([]string, 0, len(groups))
		for s := range groups {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)

		for _, sym := range symbols {
			rec, diag, ok := buildRecord(rowIdx, sym, rowTS, groups[sym])
			if !ok {
				res.Dropped = append(res.Dropped, diag)
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}

	return res
}

func buildRecord(rowIdx int, symbol string, rowTS any, values map[Field]any) (Record, Diagnostic, bool) {
	diag := Diagnostic{Row: rowIdx, Symbol: symbol}

	ts := rowTS
	if v, ok := values[FieldTimestamp]; ok {
		ts = v
	}

	var missing []Field
	if ts == nil {
		missing = append(missing, FieldTimestamp)
	}
	for _, f := range valueFields {
		if _, ok := values[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		diag.Missing = missing
		diag.Reason = "incomplete record"
		return Record{}, diag, false
	}

	rec := Record{Symbol: symbol, Timestamp: timestampText(ts)}
	prices := []struct {
		field Field
		dst   *decimal.Decimal
	}{
		{FieldOpen, &rec.Open},
		{FieldHigh, &rec.High},
		{FieldLow, &rec.Low},
		{FieldClose, &rec.Close},
		{FieldAdjClose, &rec.AdjClose},
	}
	for _, p := range prices {
		d, err := toDecimal(values[p.field])
		if err != nil {
			diag.Column = string(p.field)
			diag.Reason = err.Error()
			return Record{}, diag, false
		}
		*p.dst = d
	}

	volume, err := toVolume(values[FieldVolume])
	if err != nil {
		diag.Column = string(FieldVolume)
		diag.Reason = err.Error()
		return Record{}, diag, false
	}
	rec.Volume = volume

	return rec, diag, true
}

