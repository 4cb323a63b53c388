package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/dpichecker/internal/domain"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Record is one exported row. Zero timing and zero size are written as null.
type Record struct {
	Provider     domain.Provider `json:"provider"`
	Region       string          `json:"region"`
	Label        string          `json:"label"`
	URL          string          `json:"url"`
	Status       domain.Status   `json:"status"`
	Attempts     int             `json:"attempts"`
	Timing       *int64          `json:"timing"`
	TransferSize *int64          `json:"transferSize"`
	Detail       string          `json:"detail"`
}

func Records(results []domain.CheckResult) []Record {
	out := make([]Record, len(results))
	for i, r := range results {
		status := r.Status
		if status == "" {
			status = domain.StatusPending
		}
		rec := Record{
			Provider: r.Target.Provider,
			Region:   r.Target.Region,
			Label:    r.Target.Label,
			URL:      r.Target.URL,
			Status:   status,
			Attempts: r.Attempts,
			Detail:   r.Detail,
		}
		if r.TimingMS > 0 {
			ms := int64(math.Round(r.TimingMS))
			rec.Timing = &ms
		}
		if r.TransferSize != nil && *r.TransferSize > 0 {
			n := *r.TransferSize
			rec.TransferSize = &n
		}
		out[i] = rec
	}
	return out
}

func Write(w io.Writer, f Format, results []domain.CheckResult) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, results)
	case FormatJSON, "":
		return WriteJSON(w, results)
	}
	return fmt.Errorf("unknown export format %q", f)
}

// WriteJSON writes an indented array of records.
func WriteJSON(w io.Writer, results []domain.CheckResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Records(results)); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

var csvHeader = []string{"provider", "region", "label", "url", "status", "attempts", "timing", "transferSize", "detail"}

// WriteCSV writes a header row and one row per result; nulls are empty cells.
func WriteCSV(w io.Writer, results []domain.CheckResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range Records(results) {
		row := []string{
			string(r.Provider), r.Region, r.Label, r.URL, string(r.Status),
			strconv.Itoa(r.Attempts), optInt(r.Timing), optInt(r.TransferSize), r.Detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// FileName is dpi-check-<YYYY-MM-DDTHH-MM-SS>.<ext> in UTC.
func FileName(now time.Time, f Format) string {
	if f == "" {
		f = FormatJSON
	}
	return fmt.Sprintf("dpi-check-%s.%s", now.UTC().Format("2006-01-02T15-04-05"), f)
}
