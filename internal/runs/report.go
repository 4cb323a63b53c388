package runs

import (
	"fmt"
	"strings"
	"time"

	"github.com/hamed0406/dpichecker/internal/domain"
)

// maxReportLines caps the blocked targets listed in one notification.
const maxReportLines = 20

// Report renders the notification for a finished run.
func Report(run *domain.Run) (title, text string) {
	sum := domain.Summarize(run.Results)

	title = fmt.Sprintf("🔴 DPI check: %d of %d targets blocked", sum.Blocked, run.Total)
	if sum.Blocked == 0 {
		title = fmt.Sprintf("🟢 DPI check: all %d targets clean", run.Total)
		if sum.Clean != run.Total {
			title = fmt.Sprintf("🟡 DPI check: no blocking among %d targets", run.Total)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", run.ID)
	fmt.Fprintf(&b, "Clean: %d  Blocked: %d  Error: %d  Pending: %d\n", sum.Clean, sum.Blocked, sum.Error, sum.Pending+sum.Checking)
	if run.Cancelled {
		b.WriteString("Cancelled before completion\n")
	}
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished: %s (took %s)\n", run.FinishedAt.Format(time.RFC3339), run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}

	listed := 0
	for _, r := range run.Results {
		if r.Status != domain.StatusBlocked {
			continue
		}
		if listed == maxReportLines {
			fmt.Fprintf(&b, "... and %d more\n", sum.Blocked-listed)
			break
		}
		fmt.Fprintf(&b, "- %s %s (%s): %s\n", r.Target.Provider, r.Target.Region, r.Target.Label, r.Detail)
		listed++
	}
	return title, strings.TrimRight(b.String(), "\n")
}
