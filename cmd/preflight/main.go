// cmd/preflight/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/app"
	"github.com/hamed0406/dpichecker/internal/catalog"
	"github.com/hamed0406/dpichecker/internal/config"
	"github.com/hamed0406/dpichecker/internal/probe"
)

func main() {
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		os.Exit(1)
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, "✖", e)
		}
		fail("configuration is invalid")
	}
	ok("configuration valid, ADDR=" + cfg.Addr)

	if len(cfg.AdminAPIKeys) == 0 {
		warn("ADMIN_API_KEYS is empty; anyone can start and cancel runs.")
	}
	if len(cfg.PublicAPIKeys) == 0 && len(cfg.AdminAPIKeys) == 0 {
		warn("no API keys configured; read routes are open.")
	}
	for name, v := range map[string]string{"ADMIN_API_KEYS": os.Getenv("ADMIN_API_KEYS"), "PUBLIC_API_KEYS": os.Getenv("PUBLIC_API_KEYS")} {
		if strings.Contains(v, " ") {
			warn(name + " contains spaces; use comma-separated with no spaces, e.g. key1,key2")
		}
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		warn("ALLOWED_ORIGINS allows every origin.")
	} else {
		ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
	}
	if cfg.InsecureSkipVerify {
		warn("PROBE_INSECURE_SKIP_VERIFY is on; certificate errors will count as reachable.")
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		fail("catalog: " + err.Error())
	}
	ok(fmt.Sprintf("catalog: %d providers, %d targets", len(cat.ProviderNames()), len(cat.Targets())))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, closeStore, err := app.OpenStore(ctx, cfg, zap.NewNop())
	if err != nil {
		fail("store: " + err.Error())
	}
	if _, err := store.List(ctx, 1); err != nil {
		closeStore()
		fail("store: " + err.Error())
	}
	closeStore()
	switch {
	case cfg.DatabaseURL != "":
		ok("postgres reachable and migrated")
	case cfg.SQLitePath != "":
		ok("sqlite ready at " + cfg.SQLitePath)
	default:
		warn("DATABASE_URL and SQLITE_PATH empty; runs are kept in memory only.")
	}

	if cfg.DNSDiagnose {
		dns := probe.NewDNSChecker(cfg.DNSServer)
		st := dns.Check(ctx, "example.com")
		if st.Class != probe.DNSResolves {
			warn(fmt.Sprintf("resolver %s did not resolve example.com (%s %s); dns diagnosis will be unreliable", dns.Server, st.Class, st.ResolverError))
		} else {
			ok("resolver " + dns.Server + " answers")
		}
	}

	if cfg.SlackWebhook == "" {
		warn("SLACK_WEBHOOK_URL empty; blocked runs are only logged.")
	} else {
		ok("Slack notifications enabled")
	}

	ok("preflight passed")
}
