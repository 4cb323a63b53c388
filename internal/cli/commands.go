package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/app"
	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/export"
	"github.com/hamed0406/dpichecker/internal/runs"
)

// ErrBlocked is returned by run --fail-on-blocked when any target is blocked.
var ErrBlocked = errors.New("blocked targets found")

type runFlags struct {
	providers     []string
	urls          []string
	noCatalog     bool
	concurrency   int
	output        string
	format        string
	sqlitePath    string
	noDNS         bool
	failOnBlocked bool
}

func newRunCommand(g *globalFlags, opts Options) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Check the catalog and any extra URLs",
		Example: `  dpicheck run --provider AWS --provider Hetzner
  dpicheck run --no-catalog --url https://example.com/ --output results.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, g, opts, f)
		},
	}
	cmd.Flags().StringArrayVarP(&f.providers, "provider", "p", nil, "Only check this provider (repeatable, comma separated)")
	cmd.Flags().StringArrayVarP(&f.urls, "url", "u", nil, "Extra https URL to check (repeatable)")
	cmd.Flags().BoolVar(&f.noCatalog, "no-catalog", false, "Skip the built-in targets")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", 0, "Parallel checks (default: MAX_CONCURRENT_CHECKS)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write results to this file, or to a generated name inside this directory")
	cmd.Flags().StringVar(&f.format, "format", "", "Export format: json or csv (default: from --output extension)")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite", "", "Persist the run in this SQLite file")
	cmd.Flags().BoolVar(&f.noDNS, "no-dns", false, "Skip DNS diagnosis of blocked targets")
	cmd.Flags().BoolVar(&f.failOnBlocked, "fail-on-blocked", false, "Exit non-zero when any target is blocked")
	return cmd
}

func runRun(cmd *cobra.Command, g *globalFlags, opts Options, f *runFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	format, err := outputFormat(f.output, f.format)
	if err != nil {
		return err
	}

	e, err := g.setup(cmd, opts, true)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	cfg := e.cfg
	if f.sqlitePath != "" {
		cfg.SQLitePath = f.sqlitePath
	}
	if f.noDNS {
		cfg.DNSDiagnose = false
	}
	providers, unknown := e.catalog.Resolve(f.providers)
	if len(unknown) > 0 {
		return fmt.Errorf("unknown provider %q (see `dpicheck providers`)", strings.Join(unknown, ", "))
	}

	store, closeStore, err := app.OpenStore(ctx, cfg, e.logger)
	if err != nil {
		return err
	}
	defer closeStore()
	m := app.NewManager(cfg, e.catalog, e.checker, store, e.logger)

	req := runs.Request{Providers: providers, NoCatalog: f.noCatalog, Concurrency: f.concurrency}
	for _, u := range f.urls {
		req.Custom = append(req.Custom, domain.Target{URL: u})
	}
	run, err := m.Start(context.WithoutCancel(ctx), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s: %d targets, concurrency %d\n", run.ID, run.Total, run.Concurrency)

	final, err := follow(ctx, m, run, out, cmd.ErrOrStderr(), opts.PollInterval)
	if err != nil {
		return err
	}

	title, text := runs.Report(final)
	fmt.Fprintf(out, "\n%s\n%s\n", title, text)

	if f.output != "" {
		path, err := writeExport(f.output, format, final)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "results written to %s\n", path)
	}
	if f.failOnBlocked && domain.Summarize(final.Results).Blocked > 0 {
		return ErrBlocked
	}
	return nil
}

// follow prints every target as it reaches a terminal status. When ctx is
// done the run is cancelled and follow keeps waiting for it to be stored.
func follow(ctx context.Context, m *runs.Manager, run *domain.Run, out, errOut io.Writer, every time.Duration) (*domain.Run, error) {
	bg := context.Background()
	printed := make([]bool, run.Total)
	done := 0
	stop := ctx.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		snap, err := m.Get(bg, run.ID)
		if err != nil {
			return nil, err
		}
		for i, r := range snap.Results {
			if printed[i] || !r.Status.Terminal() {
				continue
			}
			printed[i] = true
			done++
			fmt.Fprintln(out, formatResult(done, run.Total, r))
		}
		if snap.Finished() {
			return snap, nil
		}

		select {
		case <-stop:
			stop = nil
			fmt.Fprintln(errOut, "cancelling: letting in-flight checks finish")
			if err := m.Cancel(bg, run.ID); err != nil && !errors.Is(err, runs.ErrFinished) {
				return nil, err
			}
		case <-ticker.C:
		}
	}
}

func formatResult(n, total int, r domain.CheckResult) string {
	size := "-"
	if r.TransferSize != nil {
		size = humanize.Bytes(uint64(*r.TransferSize))
	}
	width := len(fmt.Sprint(total))
	return fmt.Sprintf("[%*d/%d] %-7s %-12s %-20s %7.0fms %8s  %s",
		width, n, total,
		strings.ToUpper(string(r.Status)),
		r.Target.Provider, r.Target.Region,
		r.TimingMS, size, r.Detail)
}

func outputFormat(output, flag string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	if strings.EqualFold(filepath.Ext(output), ".csv") {
		return export.FormatCSV, nil
	}
	return export.FormatJSON, nil
}

func writeExport(output string, format export.Format, run *domain.Run) (string, error) {
	path := output
	if st, err := os.Stat(output); err == nil && st.IsDir() {
		path = filepath.Join(output, export.FileName(time.Now(), format))
	}
	fh, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export: %w", err)
	}
	if err := export.Write(fh, format, run.Results); err != nil {
		fh.Close()
		return "", err
	}
	return path, fh.Close()
}

func newProvidersCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List catalog providers and their target counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(cmd, Options{}, false)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			counts := e.catalog.ProviderCounts()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tTARGETS")
			total := 0
			for _, p := range e.catalog.ProviderNames() {
				fmt.Fprintf(tw, "%s\t%d\n", p, counts[p])
				total += counts[p]
			}
			fmt.Fprintf(tw, "total\t%d\n", total)
			return tw.Flush()
		},
	}
}

func newCheckCommand(g *globalFlags, opts Options) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Check a single https URL with retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			e, err := g.setup(cmd, opts, true)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			m := app.NewManager(e.cfg, e.catalog, e.checker, nil, e.logger)
			out := cmd.OutOrStdout()
			res, err := m.CheckOne(ctx, domain.Target{Label: label, URL: args[0]}, func(r domain.CheckResult) {
				if r.Attempts > 0 {
					fmt.Fprintf(out, "  %s\n", r.Detail)
				}
			})
			if err != nil {
				return err
			}
			e.logger.Info("cli_check", zap.String("url", args[0]), zap.String("status", string(res.Status)))
			fmt.Fprintln(out, formatResult(1, 1, res))
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Label shown in the result")
	return cmd
}
