package domain

import "time"

// Run is one invocation of the scheduler over an ordered target list.
// Results[i] always belongs to the i-th target.
type Run struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"` // nil while running
	Concurrency int           `json:"concurrency"`
	Cancelled   bool          `json:"cancelled"`
	Completed   int           `json:"completed"`
	Total       int           `json:"total"`
	Results     []CheckResult `json:"results"`
}

// NewRun seeds a run with one pending result per target.
func NewRun(id string, targets []Target, concurrency int, startedAt time.Time) *Run {
	results := make([]CheckResult, len(targets))
	for i, t := range targets {
		results[i] = PendingResult(t)
	}
	return &Run{
		ID:          id,
		StartedAt:   startedAt,
		Concurrency: concurrency,
		Total:       len(targets),
		Results:     results,
	}
}

func (r *Run) Finished() bool { return r.FinishedAt != nil }

// Targets returns the run's targets in index order.
func (r *Run) Targets() []Target {
	out := make([]Target, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Target
	}
	return out
}

// Clone deep-copies the run so it can be handed to readers.
func (r *Run) Clone() *Run {
	cp := *r
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		cp.FinishedAt = &ts
	}
	cp.Results = make([]CheckResult, len(r.Results))
	for i, res := range r.Results {
		cp.Results[i] = res.Clone()
	}
	return &cp
}

// Summary counts results per status.
type Summary struct {
	Clean    int `json:"clean"`
	Blocked  int `json:"blocked"`
	Error    int `json:"error"`
	Checking int `json:"checking"`
	Pending  int `json:"pending"`
}

func Summarize(results []CheckResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusClean:
			s.Clean++
		case StatusBlocked:
			s.Blocked++
		case StatusError:
			s.Error++
		case StatusChecking:
			s.Checking++
		default:
			s.Pending++
		}
	}
	return s
}

// RunInfo is the list view of a run.
type RunInfo struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Cancelled  bool       `json:"cancelled"`
	Completed  int        `json:"completed"`
	Total      int        `json:"total"`
	Summary    Summary    `json:"summary"`
}

func (r *Run) Info() RunInfo {
	return RunInfo{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Cancelled:  r.Cancelled,
		Completed:  r.Completed,
		Total:      r.Total,
		Summary:    Summarize(r.Results),
	}
}
