package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hamed0406/dpichecker/internal/domain"
)

//go:embed catalog.yaml
var defaultYAML []byte

type Region struct {
	Region string `yaml:"region"`
	Label  string `yaml:"label"`
}

// Extra is a target that does not follow its provider's URL template.
type Extra struct {
	Region string `yaml:"region"`
	Label  string `yaml:"label"`
	URL    string `yaml:"url"`
}

type ProviderSpec struct {
	Name        domain.Provider `yaml:"name"`
	URLTemplate string          `yaml:"url_template"`
	Regions     []Region        `yaml:"regions"`
	Extra       []Extra         `yaml:"extra,omitempty"`
}

// Catalog is an ordered list of providers. Targets keep catalog order:
// provider by provider, templated regions first, then extras.
type Catalog struct {
	Providers []ProviderSpec `yaml:"providers"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the embedded catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultYAML)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded catalog is invalid: %v", err))
		}
		defaultCat = c
	})
	return defaultCat
}

// Load reads a catalog file. An empty path returns the embedded one.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range c.Providers {
		if p, err := domain.ParseProvider(string(c.Providers[i].Name)); err == nil {
			c.Providers[i].Name = p
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every malformed provider and target.
func (c *Catalog) Validate() error {
	var err error
	if len(c.Providers) == 0 {
		err = multierr.Append(err, fmt.Errorf("no providers"))
	}
	seen := make(map[domain.Provider]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			err = multierr.Append(err, fmt.Errorf("provider without name"))
			continue
		}
		if seen[p.Name] {
			err = multierr.Append(err, fmt.Errorf("provider %q listed twice", p.Name))
		}
		seen[p.Name] = true
		if _, e := domain.ParseProvider(string(p.Name)); e != nil {
			err = multierr.Append(err, e)
		}
		if len(p.Regions) > 0 && !strings.Contains(p.URLTemplate, "{region}") {
			err = multierr.Append(err, fmt.Errorf("provider %q: url_template needs a {region} placeholder", p.Name))
		}
		for _, t := range p.targets() {
			if t.Region == "" {
				err = multierr.Append(err, fmt.Errorf("provider %q: target without region", p.Name))
			}
			if e := domain.ValidateTargetURL(t.URL); e != nil {
				err = multierr.Append(err, fmt.Errorf("provider %q region %q: %w", p.Name, t.Region, e))
			}
		}
	}
	return err
}

func (p ProviderSpec) targets() []domain.Target {
	out := make([]domain.Target, 0, len(p.Regions)+len(p.Extra))
	for _, r := range p.Regions {
		out = append(out, domain.Target{
			Provider: p.Name,
			Region:   r.Region,
			Label:    r.Label,
			URL:      strings.ReplaceAll(p.URLTemplate, "{region}", r.Region),
		})
	}
	for _, e := range p.Extra {
		out = append(out, domain.Target{Provider: p.Name, Region: e.Region, Label: e.Label, URL: e.URL})
	}
	return out
}

func (c *Catalog) Targets() []domain.Target {
	var out []domain.Target
	for _, p := range c.Providers {
		out = append(out, p.targets()...)
	}
	return out
}

// Filter returns the targets of the given providers in catalog order.
// No providers means all of them.
func (c *Catalog) Filter(providers ...domain.Provider) []domain.Target {
	if len(providers) == 0 {
		return c.Targets()
	}
	want := make(map[domain.Provider]bool, len(providers))
	for _, p := range providers {
		want[p] = true
	}
	var out []domain.Target
	for _, p := range c.Providers {
		if want[p.Name] {
			out = append(out, p.targets()...)
		}
	}
	return out
}

func (c *Catalog) ProviderNames() []domain.Provider {
	out := make([]domain.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.Name)
	}
	return out
}

// Resolve matches names against the catalog's providers case-insensitively.
// Each entry may hold a comma separated list. Names the catalog does not
// carry are returned in unknown.
func (c *Catalog) Resolve(names []string) (providers []domain.Provider, unknown []string) {
	known := c.ProviderNames()
	for _, entry := range names {
		for _, n := range strings.Split(entry, ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			found := false
			for _, p := range known {
				if strings.EqualFold(string(p), n) {
					providers = append(providers, p)
					found = true
					break
				}
			}
			if !found {
				unknown = append(unknown, n)
			}
		}
	}
	return providers, unknown
}

// ProviderCounts maps every provider to its number of targets.
func (c *Catalog) ProviderCounts() map[domain.Provider]int {
	out := make(map[domain.Provider]int, len(c.Providers))
	for _, p := range c.Providers {
		out[p.Name] = len(p.Regions) + len(p.Extra)
	}
	return out
}

// NewCustom builds a user-supplied target. Empty fields fall back to the
// Custom provider, the "custom" region and the URL as label.
func NewCustom(provider domain.Provider, region, label, rawURL string) (domain.Target, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := domain.ValidateTargetURL(rawURL); err != nil {
		return domain.Target{}, err
	}
	if provider == "" {
		provider = domain.ProviderCustom
	} else {
		p, err := domain.ParseProvider(string(provider))
		if err != nil {
			return domain.Target{}, err
		}
		provider = p
	}
	if strings.TrimSpace(region) == "" {
		region = "custom"
	}
	if strings.TrimSpace(label) == "" {
		label = rawURL
	}
	return domain.Target{Provider: provider, Region: region, Label: label, URL: rawURL}, nil
}
