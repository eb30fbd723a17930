package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExpirer struct {
	mu      sync.Mutex
	pending int
	err     error
	calls   chan int
}

func (f *fakeExpirer) ExpireOffers(ctx context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls != nil {
		f.calls <- limit
	}
	if f.err != nil {
		return 0, f.err
	}
	n := f.pending
	if limit > 0 && n > limit {
		n = limit
	}
	f.pending -= n
	return n, nil
}

func TestOnceDrainsInBatches(t *testing.T) {
	exp := &fakeExpirer{pending: 7}
	n, err := Once(context.Background(), exp, 3)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if n != 7 || exp.pending != 0 {
		t.Fatalf("expired %d, %d left", n, exp.pending)
	}
}

func TestOnceUnbounded(t *testing.T) {
	exp := &fakeExpirer{pending: 4}
	n, err := Once(context.Background(), exp, 0)
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestOnceError(t *testing.T) {
	exp := &fakeExpirer{err: errors.New("disk full")}
	if _, err := Once(context.Background(), exp, 10); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigValidate(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	cases := []Config{
		{Clock: clk, Interval: time.Minute},
		{Expirer: &fakeExpirer{}, Interval: time.Minute},
		{Expirer: &fakeExpirer{}, Clock: clk},
		{Expirer: &fakeExpirer{}, Clock: clk, Interval: time.Minute, Batch: -1},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestRunTicks(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	exp := &fakeExpirer{pending: 2, calls: make(chan int, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Expirer: exp, Clock: clk, Interval: time.Minute, Batch: 5})
	}()

	for i := 0; i < 2; i++ {
		if err := clk.WaitAdvance(time.Minute, time.Second, 1); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		select {
		case limit := <-exp.calls:
			if limit != 5 {
				t.Fatalf("limit = %d", limit)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("sweep %d did not run", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}
