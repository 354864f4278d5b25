package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sampleObservation(symbol string, ts time.Time, closePx string) Observation {
	px := decimal.RequireFromString(closePx)
	return Observation{Symbol: symbol, TS: ts, Open: px, High: px, Low: px, Close: px, AdjClose: px, Volume: 10}
}

func TestMemoryUpsertKeepsOneRowPerKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(fixedClock(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.UpsertObservations(ctx, []Observation{sampleObservation("AAPL", ts, "185")}))
	// same instant expressed in another zone
	require.NoError(t, m.UpsertObservations(ctx, []Observation{sampleObservation("AAPL", ts.In(time.FixedZone("EST", -5*3600)), "186")}))

	rows, err := m.ScanObservations(ctx, "AAPL", ts, ts.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Close.Equal(decimal.NewFromInt(186)))
	assert.Equal(t, time.UTC, rows[0].TS.Location())
}

func TestMemoryScanAndLatest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	d := func(day int) time.Time { return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, m.UpsertObservations(ctx, []Observation{
		sampleObservation("AAPL", d(4), "181"),
		sampleObservation("AAPL", d(2), "185"),
		sampleObservation("AAPL", d(3), "184"),
		sampleObservation("MSFT", d(5), "370"),
	}))

	rows, err := m.ScanObservations(ctx, "AAPL", d(2), d(4))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, d(2), rows[0].TS)
	assert.Equal(t, d(3), rows[1].TS)

	latest, ok, err := m.LatestObservation(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, d(4), latest)

	_, ok, err = m.LatestObservation(ctx, "GOOG")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEstimatesKeyedByModel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	target := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.UpsertEstimates(ctx, []Estimate{
		{Symbol: "AAPL", TargetTS: target, ModelID: "m2", PredictedClose: decimal.NewFromInt(187), HorizonDays: 1},
		{Symbol: "AAPL", TargetTS: target, ModelID: "m1", PredictedClose: decimal.NewFromInt(186), HorizonDays: 1},
		{Symbol: "AAPL", TargetTS: target, ModelID: "m1", PredictedClose: decimal.NewFromInt(188), HorizonDays: 1},
	}))

	rows, err := m.ScanEstimates(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m1", rows[0].ModelID)
	assert.True(t, rows[0].PredictedClose.Equal(decimal.NewFromInt(188)))
	assert.Equal(t, "m2", rows[1].ModelID)
}

func TestMemoryReplaceUnifiedIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	build := func(symbols []string, closePx int64) []UnifiedRecord {
		var rows []UnifiedRecord
		for _, s := range symbols {
			v := decimal.NewFromInt(closePx)
			rows = append(rows, UnifiedRecord{Symbol: s, TS: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: &v, Source: SourceActual})
		}
		return rows
	}
	symbols := []string{"AAPL", "MSFT", "GOOG", "AMZN"}

	_, err := m.ReplaceUnified(ctx, build(symbols, 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(2); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = m.ReplaceUnified(ctx, build(symbols, i))
		}
	}()

	for i := 0; i < 200; i++ {
		rows, err := m.ListUnified(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, rows, len(symbols))
		for _, row := range rows[1:] {
			// every row of one read comes from the same generation
			assert.True(t, row.Close.Equal(*rows[0].Close))
		}
	}
	close(stop)
	wg.Wait()
}

func TestMemoryReplaceUnifiedCopiesInput(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	rows := []UnifiedRecord{{Symbol: "AAPL", TS: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Source: SourceActual}}

	gen, err := m.ReplaceUnified(ctx, rows)
	require.NoError(t, err)
	rows[0].Symbol = "MSFT"

	got, err := m.ListUnified(ctx, "AAPL", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	current, ok := m.CurrentGeneration()
	require.True(t, ok)
	assert.Equal(t, gen.ID, current.ID)
	assert.Equal(t, 1, current.Rows)
}

func TestMemoryAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	unlock, ok, err := m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock()

	_, ok, err = m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}
