package runs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/catalog"
	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/probe"
	"github.com/hamed0406/dpichecker/internal/repo"
	"github.com/hamed0406/dpichecker/internal/repo/memory"
)

// --- fakes ---

const testCatalog = `
providers:
  - name: "AWS"
    url_template: "https://{region}.lab.example.net/"
    regions:
      - {region: "ok1", label: "One"}
      - {region: "blocked1", label: "Two"}
      - {region: "ok2", label: "Three"}
  - name: "Hetzner"
    url_template: "https://{region}.other.example.net/"
    regions:
      - {region: "ok3", label: "Four"}
`

// regionChecker blocks every target whose region starts with "blocked".
type regionChecker struct{}

func (regionChecker) Check(ctx context.Context, t domain.Target, progress probe.ProgressFunc) domain.CheckResult {
	if progress != nil {
		progress(domain.CheckResult{Target: t, Status: domain.StatusChecking})
	}
	if strings.HasPrefix(t.Region, "blocked") {
		return domain.CheckResult{Target: t, Status: domain.StatusBlocked, Attempts: 3, Detail: "DPI block detected (3/3 DPI signatures)."}
	}
	return domain.CheckResult{Target: t, Status: domain.StatusClean, Attempts: 1, TimingMS: 40, Detail: "status 200 in 40ms (attempt 1/3)"}
}

// gateChecker holds every check until release is closed or ctx is cancelled.
type gateChecker struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gateChecker) Check(ctx context.Context, t domain.Target, progress probe.ProgressFunc) domain.CheckResult {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return domain.CheckResult{Target: t, Status: domain.StatusClean, Attempts: 1}
	case <-ctx.Done():
		return domain.CheckResult{Target: t, Status: domain.StatusChecking, Attempts: 1, Detail: "cancelled after attempt 1/3: x"}
	}
}

type fakeResolver struct{ class string }

func (f fakeResolver) CheckURL(ctx context.Context, raw string) probe.DNSStatus {
	return probe.DNSStatus{Domain: raw, Class: f.class}
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	texts  []string
}

func (r *recordingNotifier) Send(_ context.Context, title, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.texts = append(r.texts, text)
	return nil
}

func newTestManager(t *testing.T, checker probe.Checker) (*Manager, *memory.Store) {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := memory.New()
	return NewManager(cat, checker, store, zap.NewNop()), store
}

func waitRun(t *testing.T, m *Manager, id string) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return run
}

// --- tests ---

func TestManager_RunToCompletion(t *testing.T) {
	m, store := newTestManager(t, regionChecker{})
	m.Resolver = fakeResolver{class: probe.DNSResolves}
	note := &recordingNotifier{}
	m.Notifier = note

	run, err := m.Start(context.Background(), Request{
		Providers: []domain.Provider{domain.ProviderAWS},
		Custom:    []domain.Target{{Label: "mine", URL: "https://mine.example.org/"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Total != 4 || run.Results[3].Target.Provider != domain.ProviderCustom {
		t.Fatalf("catalog targets then custom ones expected, got %+v", run.Results)
	}

	got := waitRun(t, m, run.ID)
	if !got.Finished() || got.Cancelled || got.Completed != 4 {
		t.Fatalf("unexpected final run %+v", got.Info())
	}
	b := got.Results[1]
	if b.Status != domain.StatusBlocked || !strings.HasSuffix(b.Detail, " dns=RESOLVES") {
		t.Fatalf("blocked target should carry a dns diagnosis, got %+v", b)
	}
	if strings.Contains(got.Results[0].Detail, "dns=") {
		t.Fatalf("clean targets are not diagnosed: %q", got.Results[0].Detail)
	}

	stored, err := store.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.Results[1].Detail != b.Detail || !stored.Finished() || stored.Completed != 4 {
		t.Fatalf("store out of sync: %+v", stored.Info())
	}

	if len(note.titles) != 1 || !strings.Contains(note.titles[0], "1 of 4") {
		t.Fatalf("want one blocked notification, got %v", note.titles)
	}
	if !strings.Contains(note.texts[0], "AWS blocked1 (Two)") {
		t.Fatalf("notification should list the blocked target:\n%s", note.texts[0])
	}

	again, err := m.Get(context.Background(), run.ID)
	if err != nil || again.Completed != 4 {
		t.Fatalf("Get after finish: %+v err=%v", again, err)
	}
	infos, err := m.List(context.Background(), 10)
	if err != nil || len(infos) != 1 || infos[0].Summary.Blocked != 1 || infos[0].Summary.Clean != 3 {
		t.Fatalf("List: %+v err=%v", infos, err)
	}
}

func TestManager_NoNotificationWhenClean(t *testing.T) {
	m, _ := newTestManager(t, regionChecker{})
	note := &recordingNotifier{}
	m.Notifier = note

	run, err := m.Start(context.Background(), Request{Providers: []domain.Provider{domain.ProviderHetzner}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitRun(t, m, run.ID)
	if len(note.titles) != 0 {
		t.Fatalf("clean run should not notify, got %v", note.titles)
	}
}

func TestManager_CancelLeavesPending(t *testing.T) {
	gate := &gateChecker{started: make(chan struct{}), release: make(chan struct{})}
	m, store := newTestManager(t, gate)

	run, err := m.Start(context.Background(), Request{Concurrency: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-gate.started

	live, err := m.Get(context.Background(), run.ID)
	if err != nil || live.Finished() {
		t.Fatalf("run should still be live: %+v err=%v", live, err)
	}
	if err := m.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := waitRun(t, m, run.ID)
	if !got.Cancelled || got.Completed != 1 {
		t.Fatalf("want cancelled run with one completed target, got %+v", got.Info())
	}
	if got.Results[0].Status != domain.StatusChecking {
		t.Fatalf("claimed target keeps its non-terminal result, got %s", got.Results[0].Status)
	}
	for i := 1; i < len(got.Results); i++ {
		if got.Results[i].Status != domain.StatusPending {
			t.Fatalf("unclaimed target %d should stay pending, got %s", i, got.Results[i].Status)
		}
	}
	stored, _ := store.Get(context.Background(), run.ID)
	if !stored.Cancelled {
		t.Fatalf("store should record cancellation")
	}

	if err := m.Cancel(context.Background(), run.ID); !errors.Is(err, ErrFinished) {
		t.Fatalf("cancel finished run: want ErrFinished, got %v", err)
	}
	if err := m.Cancel(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cancel unknown run: want ErrNotFound, got %v", err)
	}
}

func TestManager_Targets(t *testing.T) {
	m, _ := newTestManager(t, regionChecker{})

	all, err := m.Targets(Request{})
	if err != nil || len(all) != 4 {
		t.Fatalf("empty request should select the whole catalog, got %d err=%v", len(all), err)
	}
	if _, err := m.Targets(Request{NoCatalog: true}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("want ErrNoTargets, got %v", err)
	}
	_, err = m.Targets(Request{NoCatalog: true, Custom: []domain.Target{{URL: "http://plain.example.org/"}}})
	if !errors.Is(err, domain.ErrInvalidTargetURL) {
		t.Fatalf("want ErrInvalidTargetURL, got %v", err)
	}
	if _, err := m.Start(context.Background(), Request{NoCatalog: true}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("Start should reject empty runs, got %v", err)
	}
}

func TestManager_ConcurrencyBounds(t *testing.T) {
	m, _ := newTestManager(t, regionChecker{})
	m.Concurrency = 6
	m.MaxConcurrency = 8
	for in, want := range map[int]int{0: 6, -3: 6, 1: 1, 8: 8, 50: 8} {
		if got := m.concurrency(in); got != want {
			t.Fatalf("concurrency(%d)=%d want %d", in, got, want)
		}
	}
}

func TestManager_CheckOne(t *testing.T) {
	m, _ := newTestManager(t, regionChecker{})
	m.Resolver = fakeResolver{class: probe.DNSNXDomain}

	r, err := m.CheckOne(context.Background(), domain.Target{Region: "blocked-x", URL: "https://x.example.org/"}, nil)
	if err != nil {
		t.Fatalf("CheckOne: %v", err)
	}
	if r.Status != domain.StatusBlocked || !strings.HasSuffix(r.Detail, "dns=NXDOMAIN") {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Target.Provider != domain.ProviderCustom {
		t.Fatalf("defaults should apply, got %+v", r.Target)
	}
	if _, err := m.CheckOne(context.Background(), domain.Target{URL: "ftp://x"}, nil); !errors.Is(err, domain.ErrInvalidTargetURL) {
		t.Fatalf("want ErrInvalidTargetURL, got %v", err)
	}
}

func TestManager_Shutdown(t *testing.T) {
	gate := &gateChecker{started: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, gate)
	run, err := m.Start(context.Background(), Request{Concurrency: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-gate.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, err := m.Get(context.Background(), run.ID)
	if err != nil || !got.Finished() || !got.Cancelled {
		t.Fatalf("shutdown should finish live runs as cancelled, got %+v err=%v", got, err)
	}
}
