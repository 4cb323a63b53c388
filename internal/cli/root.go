// Package cli implements the dpicheck command line.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/app"
	"github.com/hamed0406/dpichecker/internal/catalog"
	"github.com/hamed0406/dpichecker/internal/config"
	"github.com/hamed0406/dpichecker/internal/logging"
	"github.com/hamed0406/dpichecker/internal/probe"
)

// Options holds CLI-level configuration.
type Options struct {
	Checker      probe.Checker // nil means the network prober
	PollInterval time.Duration // how often run progress is printed
}

type globalFlags struct {
	verbose     bool
	catalogPath string
	logDir      string
}

// env is what every command needs once flags are parsed.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	checker probe.Checker
}

// NewRootCmd wires the cobra root command.
func NewRootCmd(opts Options) *cobra.Command {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "dpicheck",
		Short:         "Probe cloud endpoints for DPI interference",
		Long:          "dpicheck fetches an endpoint per cloud region and reports which ones look blocked by deep packet inspection.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Mirror logs to stderr")
	root.PersistentFlags().StringVar(&g.catalogPath, "catalog", "", "YAML catalog file (default: built-in, or CATALOG_PATH)")
	root.PersistentFlags().StringVar(&g.logDir, "log-dir", "", "Log directory (default: LOG_DIR or ./logs)")

	root.AddCommand(newRunCommand(g, opts))
	root.AddCommand(newProvidersCommand(g))
	root.AddCommand(newCheckCommand(g, opts))
	return root
}

func (g *globalFlags) setup(cmd *cobra.Command, opts Options, probing bool) (*env, error) {
	cfg := config.FromEnv()
	if g.logDir != "" {
		cfg.LogDir = g.logDir
	}
	if g.catalogPath != "" {
		cfg.CatalogPath = g.catalogPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	lo := logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel}
	if g.verbose {
		lo.Console = cmd.ErrOrStderr()
	}
	logger, err := logging.New(lo)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	checker := opts.Checker
	if checker == nil && probing {
		checker = app.NewChecker(cfg, logger)
	}
	return &env{cfg: cfg, logger: logger, catalog: cat, checker: checker}, nil
}
