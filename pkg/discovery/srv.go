package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// SRVSource looks peers up as DNS SRV records. Each answer's target becomes
// one peer.
type SRVSource struct {
	// Servers are "host:port" nameservers tried in order. When empty they
	// are read from /etc/resolv.conf on first use, along with Search and
	// Ndots.
	Servers []string
	// Search and Ndots expand relative records the way the system resolver
	// does.
	Search []string
	Ndots  int
	Client *dns.Client
}

func NewSRVSource(servers ...string) *SRVSource {
	return &SRVSource{
		Servers: servers,
		Ndots:   1,
		Client:  &dns.Client{Timeout: 5 * time.Second},
	}
}

func (s *SRVSource) servers() ([]string, error) {
	if len(s.Servers) > 0 {
		return s.Servers, nil
	}
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", resolvConf, err)
	}
	out := make([]string, 0, len(conf.Servers))
	for _, srv := range conf.Servers {
		out = append(out, net.JoinHostPort(srv, conf.Port))
	}
	s.Servers = out
	s.Search = conf.Search
	s.Ndots = conf.Ndots
	return out, nil
}

// names lists the absolute names to try for record, in resolver order.
func (s *SRVSource) names(record string) []string {
	conf := &dns.ClientConfig{Search: s.Search, Ndots: s.Ndots}
	return conf.NameList(record)
}

func (s *SRVSource) LookupPeers(ctx context.Context, record string) ([]string, error) {
	servers, err := s.servers()
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameservers configured")
	}
	client := s.Client
	if client == nil {
		client = new(dns.Client)
	}

	for _, name := range s.names(record) {
		r, err := s.query(ctx, client, servers, name)
		if err != nil {
			return nil, err
		}
		switch r.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			continue
		default:
			return nil, fmt.Errorf("querying %s: %s", name, dns.RcodeToString[r.Rcode])
		}

		peers := make([]string, 0, len(r.Answer))
		for _, rr := range r.Answer {
			if srv, ok := rr.(*dns.SRV); ok {
				peers = append(peers, peerAddress(srv.Target))
			}
		}
		return peers, nil
	}
	return nil, fmt.Errorf("%s: %w", record, ErrNameNotFound)
}

// query asks each server in turn until one answers. A truncated UDP answer
// is repeated over TCP against the same server.
func (s *SRVSource) query(ctx context.Context, client *dns.Client, servers []string, name string) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true
	m.SetEdns0(4096, false)

	var lastErr error
	for _, server := range servers {
		r, _, err := client.ExchangeContext(ctx, m, server)
		if err == nil && r.Truncated && client.Net != "tcp" {
			tcp := &dns.Client{Net: "tcp", Timeout: client.Timeout, Dialer: client.Dialer}
			r, _, err = tcp.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = fmt.Errorf("querying %s: %w", server, err)
			continue
		}
		return r, nil
	}
	return nil, lastErr
}
