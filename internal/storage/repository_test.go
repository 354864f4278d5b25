package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	uniqueErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}

	cases := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"connection refused", dialErr, true},
		{"wrapped connection refused", fmt.Errorf("connect: %w", dialErr), true},
		{"server error", uniqueErr, false},
		{"wrapped server error", fmt.Errorf("exec: %w", uniqueErr), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := classify("upsert observations", tc.err)
			require.Error(t, got)
			assert.ErrorIs(t, got, tc.err)
			assert.Equal(t, tc.unavailable, errors.Is(got, ErrStoreUnavailable))
			assert.Contains(t, got.Error(), "upsert observations: ")
		})
	}

	var pgErr *pgconn.PgError
	require.ErrorAs(t, classify("exec", uniqueErr), &pgErr)
	assert.Equal(t, "23505", pgErr.Code)

	assert.NoError(t, classify("noop", nil))
}

func TestUnifiedLimit(t *testing.T) {
	assert.Nil(t, unifiedLimit(0))
	assert.Nil(t, unifiedLimit(-3))

	got := unifiedLimit(25)
	require.NotNil(t, got)
	assert.Equal(t, 25, *got)
}

func TestListUnifiedZeroLimitReturnsEverything(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	var rows []UnifiedRecord
	for _, s := range []string{"AAPL", "MSFT"} {
		for d := 2; d <= 4; d++ {
			rows = append(rows, UnifiedRecord{Symbol: s, TS: time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC), Source: SourceActual})
		}
	}
	_, err := m.ReplaceUnified(ctx, rows)
	require.NoError(t, err)

	for _, limit := range []int{0, -1} {
		got, err := m.ListUnified(ctx, "", limit)
		require.NoError(t, err)
		assert.Len(t, got, len(rows), "limit %d", limit)
		assert.Nil(t, unifiedLimit(limit), "limit %d", limit)
	}

	got, err := m.ListUnified(ctx, "AAPL", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].TS.Day())
	require.NotNil(t, unifiedLimit(2))
	assert.Equal(t, 2, *unifiedLimit(2))
}
