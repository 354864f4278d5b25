package normalize

import (
	"encoding/json"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatAAPL() RawTable {
	return RawTable{
		Symbol: "aapl",
		Columns: []Column{
			{"Date"}, {"Open"}, {"High"}, {"Low"}, {"Close"}, {"Adj Close"}, {"Volume"},
		},
		Rows: [][]any{
			{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 184.94, int64(82488700)},
			{"2024-01-03", 184.22, 185.88, 183.43, 184.25, 183.55, int64(58414500)},
		},
	}
}

func flatMSFT() RawTable {
	return RawTable{
		Symbol: "MSFT",
		Columns: []Column{
			{"Date"}, {"Open"}, {"High"}, {"Low"}, {"Close"}, {"Adj Close"}, {"Volume"},
		},
		Rows: [][]any{
			{"2024-01-02", 373.86, 375.9, 366.77, 370.87, 367.94, int64(25258600)},
			{"2024-01-03", 369.01, 373.26, 368.51, 370.6, 367.67, int64(23083500)},
		},
	}
}

func groupedFieldFirst() RawTable {
	return RawTable{
		Columns: []Column{
			{"Date", ""},
			{"Adj Close", "AAPL"}, {"Adj Close", "MSFT"},
			{"Close", "AAPL"}, {"Close", "MSFT"},
			{"High", "AAPL"}, {"High", "MSFT"},
			{"Low", "AAPL"}, {"Low", "MSFT"},
			{"Open", "AAPL"}, {"Open", "MSFT"},
			{"Volume", "AAPL"}, {"Volume", "MSFT"},
		},
		Rows: [][]any{
			{"2024-01-02", 184.94, 367.94, 185.64, 370.87, 188.44, 375.9, 183.89, 366.77, 187.15, 373.86, 82488700.0, 25258600.0},
			{"2024-01-03", 183.55, 367.67, 184.25, 370.6, 185.88, 373.26, 183.43, 368.51, 184.22, 369.01, 58414500.0, 23083500.0},
		},
	}
}

func groupedTickerFirst() RawTable {
	return RawTable{
		Columns: []Column{
			{"Datetime"},
			{"MSFT", "Open"}, {"MSFT", "High"}, {"MSFT", "Low"}, {"MSFT", "Close"}, {"MSFT", "Adj Close"}, {"MSFT", "Volume"},
			{"AAPL", "Open"}, {"AAPL", "High"}, {"AAPL", "Low"}, {"AAPL", "Close"}, {"AAPL", "Adj Close"}, {"AAPL", "Volume"},
		},
		Rows: [][]any{
			{"2024-01-02", 373.86, 375.9, 366.77, 370.87, 367.94, "25258600", 187.15, 188.44, 183.89, 185.64, 184.94, "82488700"},
			{"2024-01-03", 369.01, 373.26, 368.51, 370.6, 367.67, "23083500", 184.22, 185.88, 183.43, 184.25, 183.55, "58414500"},
		},
	}
}

func flattenedNames() RawTable {
	return RawTable{
		Columns: []Column{
			{"date"},
			{"('Open', 'AAPL')"}, {"AAPL.High"}, {"low_aapl"}, {"Close_AAPL"}, {"adj_close_aapl"}, {"AAPL Volume"},
			{"MSFT_open"}, {"MSFT|High"}, {"Low-MSFT"}, {"msft.close"}, {"MSFT Adj Close"}, {"volume_msft"},
		},
		Rows: [][]any{
			{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 184.94, json.Number("82488700"), 373.86, 375.9, 366.77, 370.87, 367.94, json.Number("25258600")},
			{"2024-01-03", 184.22, 185.88, 183.43, 184.25, 183.55, json.Number("58414500"), 369.01, 373.26, 368.51, 370.6, 367.67, json.Number("23083500")},
		},
	}
}

func sortedRecords(records []Record) []Record {
	out := append([]Record(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func requireSameRecords(t *testing.T, want, got []Record) {
	t.Helper()
	want, got = sortedRecords(want), sortedRecords(got)
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.Symbol, g.Symbol, "record %d symbol", i)
		assert.Equal(t, w.Timestamp, g.Timestamp, "record %d timestamp", i)
		assert.True(t, w.Open.Equal(g.Open), "record %d open %s != %s", i, w.Open, g.Open)
		assert.True(t, w.High.Equal(g.High), "record %d high", i)
		assert.True(t, w.Low.Equal(g.Low), "record %d low", i)
		assert.True(t, w.Close.Equal(g.Close), "record %d close", i)
		assert.True(t, w.AdjClose.Equal(g.AdjClose), "record %d adj close", i)
		assert.Equal(t, w.Volume, g.Volume, "record %d volume", i)
	}
}

func TestNormalizeFlatTable(t *testing.T) {
	res := Normalize(flatAAPL())

	require.Empty(t, res.Dropped)
	require.Empty(t, res.Ignored)
	require.Len(t, res.Records, 2)

	first := res.Records[0]
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, "2024-01-02", first.Timestamp)
	assert.True(t, first.Close.Equal(decimal.RequireFromString("185.64")))
	assert.True(t, first.AdjClose.Equal(decimal.RequireFromString("184.94")))
	assert.Equal(t, int64(82488700), first.Volume)
}

func TestNormalizeGroupedShapesMatchFlat(t *testing.T) {
	want := append(Normalize(flatAAPL()).Records, Normalize(flatMSFT()).Records...)

	shapes := map[string]RawTable{
		"field first":  groupedFieldFirst(),
		"ticker first": groupedTickerFirst(),
		"flattened":    flattenedNames(),
	}
	for name, table := range shapes {
		table := table
		t.Run(name, func(t *testing.T) {
			res := Normalize(table)
			require.Empty(t, res.Dropped)
			require.Empty(t, res.Ignored)
			requireSameRecords(t, want, res.Records)
		})
	}
}

func singleSymbolTable(columns []Column) RawTable {
	return RawTable{
		Columns: columns,
		Rows: [][]any{
			{"2024-01-02", 28.2, 28.9, 27.8, 28.5, 28.1, int64(4100000)},
		},
	}
}

func singleSymbolColumns(symbol string, column func(symbol, field string) Column) []Column {
	cols := []Column{{"Date"}}
	for _, field := range []string{"Open", "High", "Low", "Close", "Adj Close", "Volume"} {
		cols = append(cols, column(symbol, field))
	}
	return cols
}

func TestNormalizeSymbolsKeepShapeAcrossLayouts(t *testing.T) {
	shapes := map[string]func(symbol, field string) Column{
		"field first":  func(symbol, field string) Column { return Column{field, symbol} },
		"ticker first": func(symbol, field string) Column { return Column{symbol, field} },
		"dotted":       func(symbol, field string) Column { return Column{symbol + "." + field} },
		"underscored":  func(symbol, field string) Column { return Column{field + "_" + symbol} },
	}

	// LOW and OPEN are also field names; BRK.B carries punctuation
	for _, symbol := range []string{"LOW", "OPEN", "BRK.B", "^GSPC"} {
		symbol := symbol
		flat := singleSymbolTable(singleSymbolColumns(symbol, func(_, field string) Column { return Column{field} }))
		flat.Symbol = symbol
		want := Normalize(flat).Records
		require.Len(t, want, 1)
		require.Equal(t, symbol, want[0].Symbol)

		for name, shape := range shapes {
			shape := shape
			t.Run(symbol+"/"+name, func(t *testing.T) {
				res := Normalize(singleSymbolTable(singleSymbolColumns(symbol, shape)))
				require.Empty(t, res.Dropped)
				require.Empty(t, res.Ignored)
				requireSameRecords(t, want, res.Records)
			})
		}
	}
}

func TestFieldLevel(t *testing.T) {
	assert.Equal(t, -1, fieldLevel(flatAAPL().Columns))
	assert.Equal(t, 0, fieldLevel(groupedFieldFirst().Columns))
	assert.Equal(t, 1, fieldLevel(groupedTickerFirst().Columns))
	assert.Equal(t, 1, fieldLevel(singleSymbolColumns("LOW", func(symbol, field string) Column {
		return Column{symbol, field}
	})))
	assert.Equal(t, 0, fieldLevel([]Column{
		{"Open", "LOW"}, {"Open", "OPEN"}, {"Low", "LOW"}, {"Low", "OPEN"},
	}))
}

func TestNormalizeDropsIncompleteRecords(t *testing.T) {
	table := flatAAPL()
	table.Rows[1][5] = nil // adj close

	res := Normalize(table)

	require.Len(t, res.Records, 1)
	require.Len(t, res.Dropped, 1)
	diag := res.Dropped[0]
	assert.Equal(t, 1, diag.Row)
	assert.Equal(t, "AAPL", diag.Symbol)
	assert.Equal(t, []Field{FieldAdjClose}, diag.Missing)
	assert.Contains(t, diag.String(), "missing adj_close")
}

func TestNormalizeReportsNaNPaddedSymbols(t *testing.T) {
	table := groupedFieldFirst()
	// MSFT had no session on the second row
	for _, idx := range []int{2, 4, 6, 8, 10, 12} {
		table.Rows[1][idx] = math.NaN()
	}

	res := Normalize(table)

	require.Len(t, res.Records, 3)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "MSFT", res.Dropped[0].Symbol)
	assert.Equal(t, "no values", res.Dropped[0].Reason)
}

func TestNormalizeMissingTimestamp(t *testing.T) {
	table := flatAAPL()
	table.Rows[0][0] = ""

	res := Normalize(table)

	require.Len(t, res.Records, 1)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, []Field{FieldTimestamp}, res.Dropped[0].Missing)
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		col   int
		value any
	}{
		"negative volume":   {col: 6, value: int64(-5)},
		"fractional volume": {col: 6, value: 10.5},
		"text price":        {col: 4, value: "abc"},
		"infinite price":    {col: 2, value: math.Inf(1)},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			table := flatAAPL()
			table.Rows[0][tc.col] = tc.value

			res := Normalize(table)

			require.Len(t, res.Records, 1)
			require.Len(t, res.Dropped, 1)
			assert.Equal(t, 0, res.Dropped[0].Row)
		})
	}
}

func TestNormalizeNamingVariantsFirstColumnWins(t *testing.T) {
	table := flatAAPL()
	table.Columns = append(table.Columns, Column{"adjclose"})
	for i := range table.Rows {
		table.Rows[i] = append(table.Rows[i], 1.0)
	}

	res := Normalize(table)

	require.Len(t, res.Records, 2)
	assert.True(t, res.Records[0].AdjClose.Equal(decimal.RequireFromString("184.94")))
}

func TestNormalizeIgnoresUnknownColumns(t *testing.T) {
	table := flatAAPL()
	table.Columns = append(table.Columns, Column{"Dividends"}, Column{"Stock Splits"})
	for i := range table.Rows {
		table.Rows[i] = append(table.Rows[i], 0.0, 0.0)
	}

	res := Normalize(table)

	require.Len(t, res.Records, 2)
	require.Len(t, res.Ignored, 2)
	assert.Equal(t, -1, res.Ignored[0].Row)
}

func TestNormalizeSymbolColumn(t *testing.T) {
	table := RawTable{
		Columns: []Column{{"Ticker"}, {"Timestamp"}, {"open"}, {"high"}, {"low"}, {"close"}, {"adjusted_close"}, {"vol"}},
		Rows: [][]any{
			{"aapl", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "1", "2", "0.5", "1.5", "1.4", 10},
			{"msft", int64(1704153600), "3", "4", "2.5", "3.5", "3.4", 20},
			{nil, "2024-01-02", "3", "4", "2.5", "3.5", "3.4", 20},
		},
	}

	res := Normalize(table)

	require.Len(t, res.Records, 2)
	assert.Equal(t, "AAPL", res.Records[0].Symbol)
	assert.Equal(t, "2024-01-02T00:00:00Z", res.Records[0].Timestamp)
	assert.Equal(t, "MSFT", res.Records[1].Symbol)
	assert.Equal(t, "1704153600", res.Records[1].Timestamp)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "no symbol for row", res.Dropped[0].Reason)
}

func TestResolveColumn(t *testing.T) {
	cases := []struct {
		col    Column
		field  Field
		symbol string
		ok     bool
	}{
		{Column{"Adj Close"}, FieldAdjClose, "", true},
		{Column{"adj_close_aapl"}, FieldAdjClose, "AAPL", true},
		{Column{"aapl_adj_close"}, FieldAdjClose, "AAPL", true},
		{Column{"Close", "BRK.B"}, FieldClose, "BRK.B", true},
		{Column{"^GSPC", "Volume"}, FieldVolume, "^GSPC", true},
		{Column{"Price", "Close", "AAPL"}, "", "", false},
		{Column{"", "  "}, "", "", false},
		{Column{"dividends"}, "", "", false},
		{Column{"BRK.B.Close"}, FieldClose, "BRK.B", true},
		{Column{"BRK-B Adj Close"}, FieldAdjClose, "BRK-B", true},
		{Column{"^GSPC_volume"}, FieldVolume, "^GSPC", true},
		{Column{"('Open', 'AAPL')"}, FieldOpen, "AAPL", true},
		{Column{"('AAPL', 'Open')"}, FieldOpen, "AAPL", true},
	}
	for _, tc := range cases {
		got, ok := resolveColumn(tc.col)
		assert.Equal(t, tc.ok, ok, "%v", tc.col)
		if ok {
			assert.Equal(t, tc.field, got.field, "%v", tc.col)
			assert.Equal(t, tc.symbol, got.symbol, "%v", tc.col)
		}
	}
}
