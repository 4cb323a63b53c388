// Package repotest holds the behaviour every repo.RunStore must share.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/repo"
)

func targets() []domain.Target {
	return []domain.Target{
		{Provider: domain.ProviderAWS, Region: "eu-west-1", Label: "Europe (Ireland)", URL: "https://s3.eu-west-1.amazonaws.com/"},
		{Provider: domain.ProviderHetzner, Region: "fsn1", Label: "Falkenstein (Germany)", URL: "https://fsn1.your-objectstorage.com/"},
		{Provider: domain.ProviderCustom, Region: "custom", Label: "Mine", URL: "https://probe.example.org/"},
	}
}

// Exercise runs a create, update, finish and read cycle against s. Run IDs
// are random so a shared database can be used.
func Exercise(t *testing.T, s repo.RunStore) {
	t.Helper()
	ctx := context.Background()
	// microsecond precision survives every backend
	start := time.Now().UTC().Truncate(time.Microsecond)

	older := domain.NewRun(uuid.NewString(), targets(), 2, start.Add(-time.Minute))
	run := domain.NewRun(uuid.NewString(), targets(), 4, start)
	for _, r := range []*domain.Run{older, run} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	size := int64(18250)
	blocked := domain.CheckResult{
		Target:       run.Results[1].Target,
		Status:       domain.StatusBlocked,
		Attempts:     3,
		TimingMS:     2412.5,
		TransferSize: &size,
		Detail:       "DPI block detected (3/3 DPI signatures). connection reset at 2412ms / 18250 bytes (DPI signature)",
	}
	clean := domain.CheckResult{Target: run.Results[0].Target, Status: domain.StatusClean, Attempts: 1, TimingMS: 81, Detail: "status 403 in 81ms (attempt 1/3)"}
	if err := s.SaveResult(ctx, run.ID, 1, blocked); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if err := s.SaveResult(ctx, run.ID, 0, clean); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	finished := start.Add(9 * time.Second)
	if err := s.Finish(ctx, run.ID, finished, 2, true); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := &domain.Run{
		ID:          run.ID,
		StartedAt:   start,
		FinishedAt:  &finished,
		Concurrency: 4,
		Cancelled:   true,
		Completed:   2,
		Total:       3,
		Results:     []domain.CheckResult{clean, blocked, domain.PendingResult(targets()[2])},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stored run mismatch (-want +got):\n%s", diff)
	}

	infos, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	pos := map[string]int{}
	for i, info := range infos {
		pos[info.ID] = i
		if info.ID == run.ID {
			wantSummary := domain.Summary{Clean: 1, Blocked: 1, Pending: 1}
			if diff := cmp.Diff(wantSummary, info.Summary); diff != "" {
				t.Fatalf("summary mismatch (-want +got):\n%s", diff)
			}
			if info.FinishedAt == nil || !info.Cancelled || info.Total != 3 {
				t.Fatalf("unexpected info %+v", info)
			}
		}
	}
	pn, okNew := pos[run.ID]
	po, okOld := pos[older.ID]
	if !okNew || !okOld || pn > po {
		t.Fatalf("want newest run first, positions new=%d old=%d", pn, po)
	}
	if infos, err := s.List(ctx, 1); err != nil || len(infos) != 1 {
		t.Fatalf("List(1) returned %d rows, err=%v", len(infos), err)
	}

	missing := uuid.NewString()
	if _, err := s.Get(ctx, missing); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}
	if err := s.SaveResult(ctx, missing, 0, clean); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("SaveResult missing run: want ErrNotFound, got %v", err)
	}
	if err := s.SaveResult(ctx, run.ID, 3, clean); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("SaveResult bad index: want ErrNotFound, got %v", err)
	}
	if err := s.Finish(ctx, missing, finished, 0, false); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Finish missing: want ErrNotFound, got %v", err)
	}
}
