package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/catalog"
	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/notify"
	"github.com/hamed0406/dpichecker/internal/probe"
	"github.com/hamed0406/dpichecker/internal/repo"
	"github.com/hamed0406/dpichecker/internal/scheduler"
)

var (
	ErrNoTargets = errors.New("no targets selected")
	ErrFinished  = errors.New("run already finished")
)

// Resolver diagnoses blocked targets. *probe.DNSChecker implements it.
type Resolver interface {
	CheckURL(ctx context.Context, raw string) probe.DNSStatus
}

// Request selects the targets of a run. Providers filters the catalog, with
// no providers meaning all of them; NoCatalog leaves only Custom.
type Request struct {
	Providers   []domain.Provider
	NoCatalog   bool
	Custom      []domain.Target
	Concurrency int
}

type Manager struct {
	Catalog        *catalog.Catalog
	Checker        probe.Checker
	Store          repo.RunStore
	Resolver       Resolver        // optional
	Notifier       notify.Notifier // optional
	Logger         *zap.Logger
	Concurrency    int // used when a request leaves it at 0
	MaxConcurrency int
	Now            func() time.Time

	mu   sync.Mutex
	live map[string]*liveRun
	wg   sync.WaitGroup
}

type liveRun struct {
	mu     sync.RWMutex
	run    *domain.Run
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *liveRun) snapshot() *domain.Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.run.Clone()
}

func NewManager(cat *catalog.Catalog, checker probe.Checker, store repo.RunStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Catalog:        cat,
		Checker:        checker,
		Store:          store,
		Logger:         logger,
		Concurrency:    6,
		MaxConcurrency: 16,
		Now:            func() time.Time { return time.Now().UTC() },
		live:           make(map[string]*liveRun),
	}
}

// Targets resolves a request to the ordered target list of a run:
// catalog targets first, then custom ones.
func (m *Manager) Targets(req Request) ([]domain.Target, error) {
	var out []domain.Target
	if !req.NoCatalog {
		out = append(out, m.Catalog.Filter(req.Providers...)...)
	}
	var err error
	for i, t := range req.Custom {
		c, e := catalog.NewCustom(t.Provider, t.Region, t.Label, t.URL)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("custom target %d: %w", i, e))
			continue
		}
		out = append(out, c)
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoTargets
	}
	return out, nil
}

func (m *Manager) concurrency(n int) int {
	if n <= 0 {
		n = m.Concurrency
	}
	if n < 1 {
		n = 1
	}
	if m.MaxConcurrency > 0 && n > m.MaxConcurrency {
		n = m.MaxConcurrency
	}
	return n
}

// Start persists a new run and checks it in the background. The run outlives
// ctx; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, req Request) (*domain.Run, error) {
	targets, err := m.Targets(req)
	if err != nil {
		return nil, err
	}
	run := domain.NewRun(uuid.NewString(), targets, m.concurrency(req.Concurrency), m.Now())
	if err := m.Store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lr := &liveRun{run: run, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.live == nil {
		m.live = make(map[string]*liveRun)
	}
	m.live[run.ID] = lr
	m.mu.Unlock()

	m.Logger.Info("run_started",
		zap.String("run_id", run.ID),
		zap.Int("targets", run.Total),
		zap.Int("concurrency", run.Concurrency),
	)

	snap := lr.snapshot()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drive(runCtx, lr, targets)
	}()
	return snap, nil
}

func (m *Manager) drive(ctx context.Context, lr *liveRun, targets []domain.Target) {
	defer close(lr.done)
	defer lr.cancel()

	id := lr.run.ID
	storeCtx := context.WithoutCancel(ctx)
	pool := scheduler.NewPool(m.Checker, lr.run.Concurrency, m.Logger)
	exec := pool.Start(ctx, targets)

	for ev := range exec.Events() {
		switch ev.Kind {
		case scheduler.EventResult:
			lr.mu.Lock()
			lr.run.Results[ev.Index] = ev.Result
			lr.mu.Unlock()
			if ev.Final {
				m.save(storeCtx, id, ev.Index, ev.Result)
			}
		case scheduler.EventProgress:
			lr.mu.Lock()
			lr.run.Completed = ev.Completed
			lr.mu.Unlock()
		}
	}
	results := exec.Wait()
	cancelled := ctx.Err() != nil && exec.Completed() < exec.Total()

	if !cancelled && m.Resolver != nil {
		for i, r := range results {
			if r.Status != domain.StatusBlocked {
				continue
			}
			r.Detail = annotateDNS(r.Detail, m.Resolver.CheckURL(storeCtx, r.Target.URL))
			results[i] = r
			lr.mu.Lock()
			lr.run.Results[i] = r
			lr.mu.Unlock()
			m.save(storeCtx, id, i, r)
		}
	}

	finished := m.Now()
	lr.mu.Lock()
	lr.run.FinishedAt = &finished
	lr.run.Cancelled = cancelled
	lr.run.Completed = exec.Completed()
	final := lr.run.Clone()
	lr.mu.Unlock()

	if err := m.Store.Finish(storeCtx, id, finished, final.Completed, cancelled); err != nil {
		m.Logger.Warn("run_finish_error", zap.String("run_id", id), zap.Error(err))
	}

	sum := domain.Summarize(final.Results)
	m.Logger.Info("run_finished",
		zap.String("run_id", id),
		zap.Bool("cancelled", cancelled),
		zap.Int("completed", final.Completed),
		zap.Int("clean", sum.Clean),
		zap.Int("blocked", sum.Blocked),
		zap.Int("error", sum.Error),
		zap.Duration("took", finished.Sub(final.StartedAt)),
	)

	if m.Notifier != nil && sum.Blocked > 0 {
		title, text := Report(final)
		if err := m.Notifier.Send(storeCtx, title, text); err != nil {
			m.Logger.Warn("run_notify_error", zap.String("run_id", id), zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

func (m *Manager) save(ctx context.Context, runID string, index int, r domain.CheckResult) {
	if err := m.Store.SaveResult(ctx, runID, index, r); err != nil {
		m.Logger.Warn("run_save_error",
			zap.String("run_id", runID),
			zap.Int("index", index),
			zap.Error(err),
		)
	}
}

func (m *Manager) lookup(id string) *liveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

// Get returns the live snapshot of a running run, or the stored one.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Run, error) {
	if lr := m.lookup(id); lr != nil {
		return lr.snapshot(), nil
	}
	return m.Store.Get(ctx, id)
}

// List overlays live progress on the stored run list.
func (m *Manager) List(ctx context.Context, limit int) ([]domain.RunInfo, error) {
	infos, err := m.Store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i, info := range infos {
		if lr := m.lookup(info.ID); lr != nil {
			infos[i] = lr.snapshot().Info()
		}
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].StartedAt.After(infos[j].StartedAt) })
	return infos, nil
}

// Cancel stops a running run. Targets already claimed finish their current
// attempt; the rest stay pending.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if lr := m.lookup(id); lr != nil {
		lr.cancel()
		m.Logger.Info("run_cancel_requested", zap.String("run_id", id))
		return nil
	}
	if _, err := m.Store.Get(ctx, id); err != nil {
		return err
	}
	return ErrFinished
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*domain.Run, error) {
	if lr := m.lookup(id); lr != nil {
		select {
		case <-lr.done:
			return lr.snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.Store.Get(ctx, id)
}

// CheckOne checks a single target synchronously without creating a run.
func (m *Manager) CheckOne(ctx context.Context, t domain.Target, progress probe.ProgressFunc) (domain.CheckResult, error) {
	t, err := catalog.NewCustom(t.Provider, t.Region, t.Label, t.URL)
	if err != nil {
		return domain.CheckResult{}, err
	}
	r := m.Checker.Check(ctx, t, progress)
	if r.Status == domain.StatusBlocked && m.Resolver != nil {
		r.Detail = annotateDNS(r.Detail, m.Resolver.CheckURL(ctx, t.URL))
	}
	m.Logger.Info("single_check",
		zap.String("url", t.URL),
		zap.String("status", string(r.Status)),
		zap.Int("attempts", r.Attempts),
	)
	return r, nil
}

// Shutdown cancels every live run and waits for them to be stored.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, lr := range m.live {
		lr.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func annotateDNS(detail string, st probe.DNSStatus) string {
	return detail + " dns=" + st.Class
}
