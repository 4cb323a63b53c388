package probe

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Values of DNSStatus.Class.
const (
	DNSResolves     = "RESOLVES"
	DNSNXDomain     = "NXDOMAIN"
	DNSNoARecord    = "NO_A_RECORD"
	DNSServfailOrTO = "SERVFAIL_or_TIMEOUT"
	DNSInvalidName  = "INVALID_NAME"
)

type DNSStatus struct {
	Domain        string
	IPs           []net.IP
	CNAME         string
	Class         string
	ResolverError string
}

// DNSChecker tells whether a blocked target's name still resolves, which
// separates DNS tampering from mid-stream interference. The zero value
// queries the system resolver with the default timeout.
type DNSChecker struct {
	Server  string // host:port
	Timeout time.Duration
}

var dnsTimeout = 3 * time.Second

// NewDNSChecker queries server, or the first resolver in /etc/resolv.conf
// when server is empty, falling back to 1.1.1.1:53.
func NewDNSChecker(server string) *DNSChecker {
	if server == "" {
		server = defaultServer()
	}
	return &DNSChecker{Server: server, Timeout: dnsTimeout}
}

func defaultServer() string {
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cc.Servers) > 0 {
		return net.JoinHostPort(cc.Servers[0], cc.Port)
	}
	return "1.1.1.1:53"
}

// CheckURL classifies the host part of a target URL.
func (d *DNSChecker) CheckURL(ctx context.Context, raw string) DNSStatus {
	return d.Check(ctx, extractHost(raw))
}

func (d *DNSChecker) Check(ctx context.Context, domain string) DNSStatus {
	s := DNSStatus{Domain: strings.TrimSpace(domain)}
	if s.Domain == "" || strings.Contains(s.Domain, "://") {
		s.Class = DNSInvalidName
		return s
	}
	if ip := net.ParseIP(s.Domain); ip != nil {
		s.IPs = []net.IP{ip}
		s.Class = DNSResolves
		return s
	}
	if _, ok := dns.IsDomainName(s.Domain); !ok {
		s.Class = DNSInvalidName
		return s
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = dnsTimeout
	}
	server := d.Server
	if server == "" {
		server = defaultServer()
	}
	client := &dns.Client{Timeout: timeout}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nx, answered bool
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(s.Domain), qtype)
		m.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, m, server)
		if err != nil {
			s.ResolverError = err.Error()
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			answered = true
		case dns.RcodeNameError:
			nx = true
			continue
		default:
			s.ResolverError = "rcode " + dns.RcodeToString[resp.Rcode]
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				s.IPs = append(s.IPs, v.A)
			case *dns.AAAA:
				s.IPs = append(s.IPs, v.AAAA)
			case *dns.CNAME:
				s.CNAME = strings.TrimSuffix(v.Target, ".")
			}
		}
	}

	switch {
	case len(s.IPs) > 0:
		s.Class = DNSResolves
	case nx:
		s.Class = DNSNXDomain
	case answered:
		s.Class = DNSNoARecord
	default:
		if s.ResolverError == "" {
			s.ResolverError = "no answer"
		}
		s.Class = DNSServfailOrTO
	}
	return s
}

func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
