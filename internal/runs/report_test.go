package runs

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/dpichecker/internal/domain"
)

func TestReport(t *testing.T) {
	var targets []domain.Target
	for i := 0; i < 25; i++ {
		targets = append(targets, domain.Target{Provider: domain.ProviderAzure, Region: fmt.Sprintf("r%d", i), Label: "L", URL: "https://x/"})
	}
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	run := domain.NewRun("run-1", targets, 4, start)
	for i := 0; i < 22; i++ {
		run.Results[i].Status = domain.StatusBlocked
		run.Results[i].Detail = "endpoint blocked"
	}
	run.Results[22].Status = domain.StatusClean
	end := start.Add(95 * time.Second)
	run.FinishedAt = &end

	title, text := Report(run)
	if !strings.Contains(title, "22 of 25") {
		t.Fatalf("unexpected title %q", title)
	}
	if n := strings.Count(text, "\n- "); n != 20 {
		t.Fatalf("want 20 listed targets, got %d:\n%s", n, text)
	}
	if !strings.Contains(text, "... and 2 more") || !strings.Contains(text, "took 1m35s") {
		t.Fatalf("unexpected text:\n%s", text)
	}
	if !strings.Contains(text, "Pending: 2") {
		t.Fatalf("pending count missing:\n%s", text)
	}

	clean := domain.NewRun("run-2", targets[:2], 1, start)
	clean.Results[0].Status = domain.StatusClean
	clean.Results[1].Status = domain.StatusClean
	if title, _ := Report(clean); !strings.Contains(title, "all 2 targets clean") {
		t.Fatalf("unexpected clean title %q", title)
	}
}
