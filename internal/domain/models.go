package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Provider string

const (
	ProviderAWS          Provider = "AWS"
	ProviderGoogleCloud  Provider = "Google Cloud"
	ProviderAzure        Provider = "Azure"
	ProviderCloudflare   Provider = "Cloudflare"
	ProviderDigitalOcean Provider = "DigitalOcean"
	ProviderHetzner      Provider = "Hetzner"
	ProviderVultr        Provider = "Vultr"
	ProviderLinode       Provider = "Linode"
	ProviderOVHcloud     Provider = "OVHcloud"
	ProviderOracle       Provider = "Oracle"
	ProviderScaleway     Provider = "Scaleway"
	ProviderCustom       Provider = "Custom"
)

// Providers lists the built-in providers in display order. Custom is not included.
var Providers = []Provider{
	ProviderAWS,
	ProviderGoogleCloud,
	ProviderAzure,
	ProviderCloudflare,
	ProviderDigitalOcean,
	ProviderHetzner,
	ProviderVultr,
	ProviderLinode,
	ProviderOVHcloud,
	ProviderOracle,
	ProviderScaleway,
}

// ErrUnknownProvider is returned for names outside Providers and Custom.
var ErrUnknownProvider = errors.New("unknown provider")

// ParseProvider matches a provider name case-insensitively.
func ParseProvider(s string) (Provider, error) {
	s = strings.TrimSpace(s)
	for _, p := range Providers {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	if strings.EqualFold(string(ProviderCustom), s) {
		return ProviderCustom, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownProvider, s)
}

// Target is one endpoint to probe. Within a run it is identified by its
// index, not its URL.
type Target struct {
	Provider Provider `json:"provider" yaml:"provider"`
	Region   string   `json:"region" yaml:"region"`
	Label    string   `json:"label" yaml:"label"`
	URL      string   `json:"url" yaml:"url"`
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusChecking Status = "checking"
	StatusClean    Status = "clean"
	StatusBlocked  Status = "blocked"
	StatusError    Status = "error"
)

// Terminal reports whether s ends a target's run.
func (s Status) Terminal() bool {
	return s == StatusClean || s == StatusBlocked || s == StatusError
}

// CheckResult is the published state of one target. It is passed by value;
// TransferSize is nil when the byte count could not be observed.
type CheckResult struct {
	Target       Target  `json:"target"`
	Status       Status  `json:"status"`
	Attempts     int     `json:"attempts"`
	TimingMS     float64 `json:"timing_ms"`
	TransferSize *int64  `json:"transfer_size"`
	Detail       string  `json:"detail"`
}

// PendingResult is the state of a target nobody has claimed yet.
func PendingResult(t Target) CheckResult {
	return CheckResult{Target: t, Status: StatusPending}
}

// Clone returns a copy that shares no memory with r.
func (r CheckResult) Clone() CheckResult {
	if r.TransferSize != nil {
		v := *r.TransferSize
		r.TransferSize = &v
	}
	return r
}

var ErrInvalidTargetURL = errors.New("target url must be an absolute https:// url")

// ValidateTargetURL accepts only absolute https URLs with a host.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTargetURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" || u.Hostname() == "" {
		return ErrInvalidTargetURL
	}
	return nil
}
