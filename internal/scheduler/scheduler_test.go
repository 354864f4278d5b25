package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAlignsWithOffset(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true, Offset: 22 * time.Hour}, zerolog.Nop())

	morning := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if got, want := s.nextTick(morning), time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, got)
	}

	late := time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)
	if got, want := s.nextTick(late), time.Date(2024, 1, 3, 22, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, got)
	}

	if got, want := s.bucketStart(late), time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("桶起点期望 %s, 实际 %s", want, got)
	}
}

func TestNextTickWithoutAlignment(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	now := time.Date(2024, 1, 2, 9, 17, 0, 0, time.UTC)

	if got := s.nextTick(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("未对齐时应为 now+interval, 实际 %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("未对齐时桶起点应为原时间, 实际 %s", got)
	}
}

func TestInvalidOffsetIsIgnored(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true, Offset: 2 * time.Hour}, zerolog.Nop())
	if s.opts.Offset != 0 {
		t.Fatalf("超过周期的偏移应被忽略, 实际 %s", s.opts.Offset)
	}
}

func TestRunImmediatelyThenStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		calls.Add(1)
		cancel()
		return errors.New("失败的周期不应中断调度")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("应立即执行一次, 实际 %d", calls.Load())
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
