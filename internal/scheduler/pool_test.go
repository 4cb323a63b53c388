package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/probe"
)

// --- fakes ---

type slowChecker struct {
	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

func (c *slowChecker) Check(ctx context.Context, t domain.Target, progress probe.ProgressFunc) domain.CheckResult {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	progress(domain.CheckResult{Target: t, Status: domain.StatusChecking})
	progress(domain.CheckResult{Target: t, Status: domain.StatusChecking, Attempts: 1, Detail: "attempt 1/3: x"})
	time.Sleep(c.delay)
	return domain.CheckResult{Target: t, Status: domain.StatusClean, Attempts: 2, Detail: "status 200"}
}

type cancellingChecker struct {
	cancel context.CancelFunc
}

func (c *cancellingChecker) Check(ctx context.Context, t domain.Target, progress probe.ProgressFunc) domain.CheckResult {
	c.cancel()
	return domain.CheckResult{Target: t, Status: domain.StatusChecking, Attempts: 1, Detail: "cancelled after attempt 1/3: x"}
}

func targets(n int) []domain.Target {
	out := make([]domain.Target, n)
	for i := range out {
		out[i] = domain.Target{Provider: domain.ProviderCustom, Region: fmt.Sprint(i), URL: fmt.Sprintf("https://t%d.example.com/", i)}
	}
	return out
}

// --- tests ---

func TestPool_RespectsConcurrency(t *testing.T) {
	chk := &slowChecker{delay: 20 * time.Millisecond}
	p := NewPool(chk, 3, zap.NewNop())

	res := p.Run(context.Background(), targets(10), Callbacks{})
	if len(res) != 10 {
		t.Fatalf("want 10 results, got %d", len(res))
	}
	if got := chk.peak.Load(); got > 3 {
		t.Fatalf("peak in-flight %d exceeds concurrency 3", got)
	}
	if got := chk.calls.Load(); got != 10 {
		t.Fatalf("want each target checked once, got %d calls", got)
	}
	for i, r := range res {
		if r.Status != domain.StatusClean || r.Target.Region != fmt.Sprint(i) {
			t.Fatalf("slot %d holds %+v", i, r)
		}
	}
}

func TestPool_SingleTargetSingleWorker(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	chk := &slowChecker{}
	p := NewPool(chk, 6, zap.New(core))

	res := p.Run(context.Background(), targets(1), Callbacks{})
	if len(res) != 1 || chk.calls.Load() != 1 {
		t.Fatalf("want one result, results=%d calls=%d", len(res), chk.calls.Load())
	}
	started := logs.FilterMessage("pool_started").All()
	if len(started) != 1 {
		t.Fatalf("want one pool_started entry, got %d", len(started))
	}
	if w := started[0].ContextMap()["workers"]; w != int64(1) {
		t.Fatalf("want 1 worker for 1 target, got %v", w)
	}
}

func TestPool_NoTargets(t *testing.T) {
	chk := &slowChecker{}
	p := NewPool(chk, 4, zap.NewNop())

	var progress int
	res := p.Run(context.Background(), nil, Callbacks{OnProgress: func(int, int) { progress++ }})
	if len(res) != 0 || progress != 0 || chk.calls.Load() != 0 {
		t.Fatalf("empty run should do nothing, results=%d progress=%d", len(res), progress)
	}
}

func TestPool_EventOrdering(t *testing.T) {
	chk := &slowChecker{delay: 5 * time.Millisecond}
	p := NewPool(chk, 4, zap.NewNop())

	var (
		mu        sync.Mutex
		finals    = map[int]int{}
		afterDone = map[int]bool{}
		completed []int
	)
	p.Run(context.Background(), targets(12), Callbacks{
		OnResult: func(i int, r domain.CheckResult, final bool) {
			mu.Lock()
			defer mu.Unlock()
			if finals[i] > 0 {
				afterDone[i] = true
			}
			if final {
				finals[i]++
			}
		},
		OnProgress: func(c, total int) {
			if total != 12 {
				t.Errorf("total=%d want 12", total)
			}
			completed = append(completed, c)
		},
	})

	for i := 0; i < 12; i++ {
		if finals[i] != 1 {
			t.Fatalf("index %d got %d final results", i, finals[i])
		}
		if afterDone[i] {
			t.Fatalf("index %d received an event after its final result", i)
		}
	}
	if len(completed) != 12 {
		t.Fatalf("want 12 progress events, got %d", len(completed))
	}
	for i, c := range completed {
		if c != i+1 {
			t.Fatalf("progress not monotonic: %v", completed)
		}
	}
}

func TestPool_CancelLeavesUnclaimedPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(&cancellingChecker{cancel: cancel}, 1, zap.NewNop())

	e := p.Start(ctx, targets(5))
	res := e.Wait()

	if res[0].Status != domain.StatusChecking || res[0].Attempts != 1 {
		t.Fatalf("claimed slot should hold the checker result, got %+v", res[0])
	}
	for i := 1; i < 5; i++ {
		if res[i].Status != domain.StatusPending || res[i].Attempts != 0 {
			t.Fatalf("unclaimed slot %d should stay pending, got %+v", i, res[i])
		}
	}
	if e.Completed() != 1 || e.Total() != 5 {
		t.Fatalf("completed=%d total=%d", e.Completed(), e.Total())
	}
}

func TestExecution_EventsChannelCloses(t *testing.T) {
	p := NewPool(&slowChecker{}, 2, zap.NewNop())
	e := p.Start(context.Background(), targets(3))

	var results, progress int
	for ev := range e.Events() {
		switch ev.Kind {
		case EventResult:
			results++
		case EventProgress:
			progress++
		}
	}
	// two interim snapshots plus one final per target
	if results != 9 || progress != 3 {
		t.Fatalf("results=%d progress=%d", results, progress)
	}
	if got := e.Wait(); len(got) != 3 {
		t.Fatalf("Wait after drain returned %d results", len(got))
	}
}
