package probe

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Policy holds the knobs that trade false positives (ordinary congestion)
// against false negatives (short-window blocking).
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration // backoff before attempt 2; doubles after
	RequestTimeout time.Duration

	// A failed attempt carries a DPI signature when its elapsed time or its
	// known transfer size falls inside these inclusive windows.
	SignatureMinTiming time.Duration
	SignatureMaxTiming time.Duration
	SignatureMinBytes  int64
	SignatureMaxBytes  int64

	// SignatureQuorum is how many signature failures mark a target blocked.
	SignatureQuorum int

	SettleDelay  time.Duration // wait before consulting the transfer lookup
	MaxBodyBytes int64         // response body drained per attempt
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		BaseDelay:          1000 * time.Millisecond,
		RequestTimeout:     15000 * time.Millisecond,
		SignatureMinTiming: 300 * time.Millisecond,
		SignatureMaxTiming: 10000 * time.Millisecond,
		SignatureMinBytes:  16000,
		SignatureMaxBytes:  21000,
		SignatureQuorum:    2,
		SettleDelay:        50 * time.Millisecond,
		MaxBodyBytes:       1 << 20,
	}
}

// Validate reports every invalid knob, not just the first.
func (p Policy) Validate() error {
	var err error
	if p.MaxAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.BaseDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("base delay must be >= 0, got %v", p.BaseDelay))
	}
	if p.RequestTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("request timeout must be positive, got %v", p.RequestTimeout))
	}
	if p.SignatureMinTiming < 0 || p.SignatureMaxTiming < p.SignatureMinTiming {
		err = multierr.Append(err, fmt.Errorf("signature timing window [%v, %v] is invalid",
			p.SignatureMinTiming, p.SignatureMaxTiming))
	}
	if p.SignatureMinBytes < 0 || p.SignatureMaxBytes < p.SignatureMinBytes {
		err = multierr.Append(err, fmt.Errorf("signature byte window [%d, %d] is invalid",
			p.SignatureMinBytes, p.SignatureMaxBytes))
	}
	if p.SignatureQuorum < 1 {
		err = multierr.Append(err, fmt.Errorf("signature quorum must be >= 1, got %d", p.SignatureQuorum))
	}
	if p.SettleDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("settle delay must be >= 0, got %v", p.SettleDelay))
	}
	if p.MaxBodyBytes < 0 {
		err = multierr.Append(err, fmt.Errorf("max body bytes must be >= 0, got %d", p.MaxBodyBytes))
	}
	return err
}

// Backoff is the wait before the given 1-based attempt:
// 0 for the first, then BaseDelay * 2^(attempt-2).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.BaseDelay << (attempt - 2)
}

func (p Policy) timingSignature(elapsed time.Duration) bool {
	return elapsed >= p.SignatureMinTiming && elapsed <= p.SignatureMaxTiming
}

func (p Policy) transferSignature(size *int64) bool {
	return size != nil && *size >= p.SignatureMinBytes && *size <= p.SignatureMaxBytes
}
