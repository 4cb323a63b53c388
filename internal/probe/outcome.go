package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// FailureKind names the transport signal behind a failed attempt.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureTimeout FailureKind = "timeout"
	FailureReset   FailureKind = "reset"
	FailureRefused FailureKind = "refused"
	FailureTLS     FailureKind = "tls"
	FailureEOF     FailureKind = "eof"
	FailureDNS     FailureKind = "dns"
	FailureOther   FailureKind = "other"
)

// AttemptOutcome is the evidence gathered by a single attempt. It never
// leaves the checker.
type AttemptOutcome struct {
	Success      bool
	Elapsed      time.Duration
	TransferSize *int64
	DPISignature bool
	Kind         FailureKind
	Detail       string
}

func (o AttemptOutcome) TimingMS() float64 {
	return float64(o.Elapsed) / float64(time.Millisecond)
}

// classify maps a client error onto a FailureKind.
func classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return FailureReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return FailureEOF
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	var (
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
		unkAuth x509.UnknownAuthorityError
		hostErr x509.HostnameError
	)
	if errors.As(err, &recErr) || errors.As(err, &certErr) || errors.As(err, &unkAuth) || errors.As(err, &hostErr) {
		return FailureTLS
	}
	// Some resets only surface as text once wrapped by the http client.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return FailureReset
	case strings.Contains(msg, "connection refused"):
		return FailureRefused
	case strings.Contains(msg, "tls:"), strings.Contains(msg, "x509:"):
		return FailureTLS
	}
	return FailureOther
}
