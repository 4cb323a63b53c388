package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fakeProber(step time.Duration, rt roundTripFunc, tl TransferLookup) *Prober {
	return &Prober{
		Client:   &http.Client{Transport: rt},
		Clock:    newStepClock(step),
		Transfer: tl,
		Policy:   DefaultPolicy(),
		Logger:   zap.NewNop(),
	}
}

func resetErr() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
}

func TestProber_SuccessOverTLS(t *testing.T) {
	var gotCB string
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCB = r.URL.Query().Get("_cb")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer s.Close()

	p := NewProber(DefaultPolicy(), zap.NewNop(), true)
	out := p.Attempt(context.Background(), s.URL+"/", 1)
	if !out.Success {
		t.Fatalf("want success, got %+v", out)
	}
	if !strings.HasPrefix(out.Detail, "status 200 in ") {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
	if !strings.HasSuffix(gotCB, "-1") {
		t.Fatalf("cache buster should end with attempt number, got %q", gotCB)
	}
	if out.TransferSize == nil || *out.TransferSize <= 0 {
		t.Fatalf("want metered transfer size, got %v", out.TransferSize)
	}
}

func TestProber_ServerErrorStillSuccess(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer s.Close()

	p := NewProber(DefaultPolicy(), zap.NewNop(), false)
	out := p.Attempt(context.Background(), s.URL, 2)
	if !out.Success || out.DPISignature {
		t.Fatalf("any response counts as reachable, got %+v", out)
	}
	if !strings.HasPrefix(out.Detail, "status 500") {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
}

func TestProber_TimeoutIsNotEvidence(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.WriteHeader(200)
	}))
	defer s.Close()

	pol := DefaultPolicy()
	pol.RequestTimeout = 50 * time.Millisecond
	pol.SignatureMinTiming = 0 // a timeout must not score even inside the window
	p := NewProber(pol, zap.NewNop(), false)

	out := p.Attempt(context.Background(), s.URL, 1)
	if out.Success {
		t.Fatalf("want timeout failure, got %+v", out)
	}
	if out.Kind != FailureTimeout || out.DPISignature {
		t.Fatalf("want unscored timeout, got %+v", out)
	}
	if out.Detail != "timeout after 50ms" {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
}

func TestProber_CallerCancelDoesNotAbortAttempt(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(204)
	}))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProber(DefaultPolicy(), zap.NewNop(), false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := p.Attempt(ctx, s.URL, 1)
	if !out.Success {
		t.Fatalf("in-flight attempt should complete after cancel, got %+v", out)
	}
}

func TestProber_TruncatedBodyScoresTransferWindow(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijack unsupported")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: 100000\r\n\r\n")
		buf.Write(make([]byte, 18000))
		buf.Flush()
	}))
	defer s.Close()

	pol := DefaultPolicy()
	pol.SignatureMinTiming = time.Hour // only the byte window can match
	pol.SignatureMaxTiming = time.Hour
	p := NewProber(pol, zap.NewNop(), false)

	out := p.Attempt(context.Background(), s.URL, 1)
	if out.Success {
		t.Fatalf("truncated body must fail, got %+v", out)
	}
	if out.TransferSize == nil {
		t.Fatalf("want transfer size from meter")
	}
	if !out.DPISignature {
		t.Fatalf("want transfer signature for %d bytes, got %+v", *out.TransferSize, out)
	}
	if !strings.Contains(out.Detail, "DPI signature") || !strings.Contains(out.Detail, "bytes") {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
}

func TestProber_CutNearDeadlineIsNotTimeout(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijack unsupported")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: 100000\r\n\r\n")
		buf.Write(make([]byte, 18000))
		buf.Flush()
		time.Sleep(350 * time.Millisecond)
	}))
	defer s.Close()

	pol := DefaultPolicy()
	pol.RequestTimeout = 500 * time.Millisecond
	pol.SettleDelay = 300 * time.Millisecond // runs past the deadline
	pol.SignatureMinTiming = time.Hour
	pol.SignatureMaxTiming = time.Hour
	p := NewProber(pol, zap.NewNop(), false)

	out := p.Attempt(context.Background(), s.URL, 1)
	if out.Kind == FailureTimeout {
		t.Fatalf("cut at 350ms was labelled a timeout: %+v", out)
	}
	if out.TransferSize == nil || !out.DPISignature {
		t.Fatalf("want transfer signature, got %+v", out)
	}
	if n := *out.TransferSize; n < 16000 || n > 21000 {
		t.Fatalf("transfer size %d outside window", n)
	}
}

func TestProber_TimingSignature(t *testing.T) {
	p := fakeProber(2000*time.Millisecond, func(*http.Request) (*http.Response, error) {
		return nil, resetErr()
	}, nil)

	out := p.Attempt(context.Background(), "https://example.com/", 1)
	if out.Success || !out.DPISignature {
		t.Fatalf("want signature failure, got %+v", out)
	}
	if out.Kind != FailureReset {
		t.Fatalf("want reset kind, got %q", out.Kind)
	}
	if out.Detail != "connection reset at 2000ms (DPI signature)" {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
	if out.TransferSize != nil {
		t.Fatalf("absent lookup must leave size nil, got %d", *out.TransferSize)
	}
}

func TestProber_FastFailureWithoutSizeIsGeneric(t *testing.T) {
	p := fakeProber(20*time.Millisecond, func(*http.Request) (*http.Response, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	}, fixedTransfer{})

	out := p.Attempt(context.Background(), "https://example.com/", 1)
	if out.Success || out.DPISignature {
		t.Fatalf("want unscored failure, got %+v", out)
	}
	if !strings.HasPrefix(out.Detail, "network error: refused: ") || !strings.HasSuffix(out.Detail, " at 20ms") {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
}

func TestProber_TransferSignatureOutsideTimingWindow(t *testing.T) {
	p := fakeProber(20*time.Millisecond, func(*http.Request) (*http.Response, error) {
		return nil, resetErr()
	}, fixedTransfer{n: 18000, ok: true})

	out := p.Attempt(context.Background(), "https://example.com/", 3)
	if !out.DPISignature {
		t.Fatalf("want transfer signature, got %+v", out)
	}
	if out.Detail != "connection reset at 20ms / 18000 bytes (DPI signature)" {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
}

func TestProber_ClientPanicBecomesFailure(t *testing.T) {
	p := fakeProber(20*time.Millisecond, func(*http.Request) (*http.Response, error) {
		panic("boom")
	}, nil)

	out := p.Attempt(context.Background(), "https://example.com/", 1)
	if out.Success {
		t.Fatalf("want failure")
	}
	if !strings.Contains(out.Detail, "http client panic: boom") {
		t.Fatalf("unexpected detail %q", out.Detail)
	}
}

func TestProber_SettlesBeforeLookup(t *testing.T) {
	p := fakeProber(10*time.Millisecond, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("nope")
	}, nil)
	p.Attempt(context.Background(), "https://example.com/", 1)

	sleeps := p.Clock.(*stepClock).Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 50*time.Millisecond {
		t.Fatalf("want one 50ms settle, got %v", sleeps)
	}
}

func TestCacheBust(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	if got := cacheBust("https://a/", now, 2); got != "https://a/?_cb=1700000000123-2" {
		t.Fatalf("got %q", got)
	}
	if got := cacheBust("https://a/?x=1", now, 3); got != "https://a/?x=1&_cb=1700000000123-3" {
		t.Fatalf("got %q", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{context.DeadlineExceeded, FailureTimeout},
		{resetErr(), FailureReset},
		{fmt.Errorf("wrapped: %w", syscall.ECONNREFUSED), FailureRefused},
		{&net.DNSError{Err: "no such host", Name: "x"}, FailureDNS},
		{errors.New("remote error: tls: handshake failure"), FailureTLS},
		{errors.New("read tcp: connection reset by peer"), FailureReset},
		{errors.New("something else"), FailureOther},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Fatalf("classify(%v)=%q want %q", c.err, got, c.want)
		}
	}
}
