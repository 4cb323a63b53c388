package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/probe"
)

type EventKind int

const (
	// EventResult carries a snapshot for one target. Final is set on the
	// last snapshot of that target.
	EventResult EventKind = iota
	// EventProgress follows every final EventResult.
	EventProgress
)

type Event struct {
	Kind      EventKind
	Index     int
	Result    domain.CheckResult
	Final     bool
	Completed int
	Total     int
}

// Callbacks is the push-style alternative to draining Execution.Events.
type Callbacks struct {
	OnResult   func(index int, r domain.CheckResult, final bool)
	OnProgress func(completed, total int)
}

// Pool checks a list of targets with a bounded number of workers.
type Pool struct {
	Concurrency int
	Checker     probe.Checker
	Logger      *zap.Logger
}

func NewPool(checker probe.Checker, concurrency int, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{Concurrency: concurrency, Checker: checker, Logger: logger}
}

// Execution is one in-flight pass over a target list.
type Execution struct {
	events    chan Event
	done      chan struct{}
	results   []domain.CheckResult
	completed atomic.Int64
	total     int
}

// Events is closed once every worker has exited and all events were
// delivered. It must be drained, or Wait used, for workers to make progress.
func (e *Execution) Events() <-chan Event { return e.events }

// Completed is the number of targets whose final result is published.
func (e *Execution) Completed() int { return int(e.completed.Load()) }

func (e *Execution) Total() int { return e.total }

// Wait blocks until the execution ends and returns results in input order.
// Events not yet read are discarded.
func (e *Execution) Wait() []domain.CheckResult {
	for range e.events {
	}
	<-e.done
	out := make([]domain.CheckResult, len(e.results))
	for i, r := range e.results {
		out[i] = r.Clone()
	}
	return out
}

// Start launches min(Concurrency, len(targets)) workers. Cancelling ctx stops
// workers from claiming further targets; slots never claimed stay pending.
func (p *Pool) Start(ctx context.Context, targets []domain.Target) *Execution {
	n := len(targets)
	e := &Execution{
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		results: make([]domain.CheckResult, n),
		total:   n,
	}
	for i, t := range targets {
		e.results[i] = domain.PendingResult(t)
	}

	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	p.Logger.Info("pool_started", zap.Int("targets", n), zap.Int("workers", workers))

	in := make(chan Event)
	var (
		cursor atomic.Int64
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id, targets, &cursor, e.results, in)
		}(w)
	}

	go func() {
		wg.Wait()
		close(in)
	}()

	go func() {
		defer close(e.done)
		defer close(e.events)
		for ev := range in {
			e.events <- ev
			if ev.Final {
				c := int(e.completed.Add(1))
				e.events <- Event{Kind: EventProgress, Index: ev.Index, Completed: c, Total: n}
			}
		}
		if ctx.Err() != nil {
			p.Logger.Info("pool_cancelled", zap.Int("completed", e.Completed()), zap.Int("targets", n))
		}
		p.Logger.Info("pool_finished", zap.Int("completed", e.Completed()), zap.Int("targets", n))
	}()

	return e
}

func (p *Pool) work(ctx context.Context, id int, targets []domain.Target, cursor *atomic.Int64, results []domain.CheckResult, in chan<- Event) {
	p.Logger.Debug("pool_worker_started", zap.Int("worker", id))
	defer p.Logger.Debug("pool_worker_stopped", zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}
		i := int(cursor.Add(1) - 1)
		if i >= len(targets) {
			return
		}
		t := targets[i]

		res := p.Checker.Check(ctx, t, func(r domain.CheckResult) {
			in <- Event{Kind: EventResult, Index: i, Result: r}
		})
		results[i] = res

		p.Logger.Debug("pool_target_done",
			zap.Int("index", i),
			zap.String("url", t.URL),
			zap.String("status", string(res.Status)),
			zap.Int("attempts", res.Attempts),
		)
		in <- Event{Kind: EventResult, Index: i, Result: res.Clone(), Final: true}
	}
}

// Run drives an execution to completion, invoking cb for every event.
func (p *Pool) Run(ctx context.Context, targets []domain.Target, cb Callbacks) []domain.CheckResult {
	e := p.Start(ctx, targets)
	for ev := range e.Events() {
		switch ev.Kind {
		case EventResult:
			if cb.OnResult != nil {
				cb.OnResult(ev.Index, ev.Result, ev.Final)
			}
		case EventProgress:
			if cb.OnProgress != nil {
				cb.OnProgress(ev.Completed, ev.Total)
			}
		}
	}
	return e.Wait()
}
