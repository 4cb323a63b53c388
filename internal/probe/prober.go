package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Attempter performs one probe attempt. *Prober is the production implementation.
type Attempter interface {
	Attempt(ctx context.Context, url string, attempt int) AttemptOutcome
}

type Prober struct {
	Client   *http.Client
	Clock    Clock
	Transfer TransferLookup
	Policy   Policy
	Logger   *zap.Logger
}

// NewProber builds a Prober whose transport dials a fresh, metered
// connection for every attempt.
func NewProber(policy Policy, logger *zap.Logger, skipVerify bool) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := NewMeter()
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           meter.DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   policy.RequestTimeout,
		ResponseHeaderTimeout: policy.RequestTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: skipVerify},
	}
	return &Prober{
		Client:   &http.Client{Transport: tr},
		Clock:    SystemClock(),
		Transfer: meter,
		Policy:   policy,
		Logger:   logger,
	}
}

// Attempt issues exactly one request and converts whatever happens into an
// outcome. It never returns an error and never panics.
func (p *Prober) Attempt(ctx context.Context, target string, attempt int) AttemptOutcome {
	bust := cacheBust(target, p.Clock.Now(), attempt)
	start := p.Clock.Now()

	// In-flight attempts outlive the caller's cancellation but not the timeout.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Policy.RequestTimeout)
	defer cancel()

	status, err := p.do(withMeterKey(actx, bust), bust)
	elapsed := p.Clock.Now().Sub(start)
	// Read before settling; the settle wait may itself run into the deadline.
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	p.settle(actx)
	size := p.lookup(bust)

	if err == nil {
		return AttemptOutcome{
			Success:      true,
			Elapsed:      elapsed,
			TransferSize: size,
			Detail:       fmt.Sprintf("status %d in %dms", status, elapsed.Milliseconds()),
		}
	}

	kind := classify(err)
	if timedOut {
		kind = FailureTimeout
	}
	out := AttemptOutcome{Elapsed: elapsed, TransferSize: size, Kind: kind}

	if kind == FailureTimeout {
		// Ordinary loss looks the same as interference here; not evidence.
		out.Detail = fmt.Sprintf("timeout after %dms", p.Policy.RequestTimeout.Milliseconds())
		p.Logger.Debug("probe_timeout", zap.String("url", bust), zap.Int("attempt", attempt))
		return out
	}

	out.DPISignature = p.Policy.timingSignature(elapsed) || p.Policy.transferSignature(size)
	if out.DPISignature {
		sizeInfo := ""
		if size != nil {
			sizeInfo = fmt.Sprintf(" / %d bytes", *size)
		}
		out.Detail = fmt.Sprintf("connection reset at %dms%s (DPI signature)", elapsed.Milliseconds(), sizeInfo)
	} else {
		out.Detail = fmt.Sprintf("network error: %s: %s at %dms", kind, errMessage(err), elapsed.Milliseconds())
	}
	p.Logger.Debug("probe_failure",
		zap.String("url", bust),
		zap.Int("attempt", attempt),
		zap.String("kind", string(kind)),
		zap.Bool("dpi_signature", out.DPISignature),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	return out
}

// do runs the request and drains the body. A body that breaks mid-stream is
// a failure: that is exactly how an inspect-then-cut middlebox shows up.
func (p *Prober) do(ctx context.Context, target string) (status int, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("probe_client_panic", zap.String("url", target), zap.Any("panic", r))
			status, err = 0, fmt.Errorf("http client panic: %v", r)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if p.Policy.MaxBodyBytes > 0 {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.Policy.MaxBodyBytes)); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// settle gives the transfer lookup time to catch up with the connection.
func (p *Prober) settle(ctx context.Context) {
	if p.Policy.SettleDelay > 0 {
		_ = p.Clock.Sleep(context.WithoutCancel(ctx), p.Policy.SettleDelay)
	}
}

func (p *Prober) lookup(key string) *int64 {
	if p.Transfer == nil {
		return nil
	}
	n, ok := p.Transfer.TransferSize(key)
	if !ok {
		return nil
	}
	return &n
}

// cacheBust appends a parameter unique to this moment and attempt number.
func cacheBust(target string, now time.Time, attempt int) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_cb=%d-%d", target, sep, now.UnixMilli(), attempt)
}

// errMessage strips the `Get "<url>": ` prefix the http client adds.
func errMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "\": "); i >= 0 && strings.HasPrefix(msg, "Get \"") {
		return msg[i+3:]
	}
	return msg
}
