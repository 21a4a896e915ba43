package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/acme"
	"github.com/cpu/acmed/acme/resources"
)

const dns01Prefix = "_acme-challenge."

// DNS01Solver answers DNS-01 challenges (including wildcards) by serving TXT
// records from an in-memory zone over an embedded github.com/miekg/dns
// server. This stands in for a real DNS provider integration (out of scope
// per the core specification) while still exercising the real wire
// protocol and propagation self-check contract a provider-backed solver
// would need to satisfy.
type DNS01Solver struct {
	Addr string
	log  *logrus.Entry

	mu      sync.Mutex
	started bool
	server  *dns.Server
	records sync.Map // record name (lowercase, trailing dot) -> TXT value
}

// NewDNS01Solver creates a solver whose embedded DNS server listens on addr
// (e.g. "127.0.0.1:8053").
func NewDNS01Solver(addr string, log *logrus.Entry) *DNS01Solver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DNS01Solver{Addr: addr, log: log.WithField("component", "dns01-solver")}
}

func (s *DNS01Solver) Supports(challType, identifier string) bool {
	return challType == acme.ChallengeDNS01
}

// recordName computes the _acme-challenge.{identifier} owner name, stripping
// any wildcard prefix per RFC 8555 section 8.4.
func recordName(identifier string) string {
	name := strings.TrimPrefix(identifier, "*.")
	return dns.Fqdn(dns01Prefix + name)
}

func digestValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (s *DNS01Solver) Setup(ctx context.Context, identifier string, chall *resources.Challenge, keyAuth string) error {
	name := recordName(identifier)
	s.records.Store(name, digestValue(keyAuth))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	started := make(chan struct{})
	failed := make(chan error, 1)
	server := &dns.Server{Addr: s.Addr, Net: "udp", Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() {
		if err := server.ListenAndServe(); err != nil {
			s.log.WithError(err).Error("dns01 solver exited")
			failed <- err
		}
	}()
	select {
	case <-started:
	case err := <-failed:
		return err
	}
	s.server = server
	s.started = true
	return nil
}

func (s *DNS01Solver) handle(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	for _, q := range r.Question {
		if q.Qtype != dns.TypeTXT {
			continue
		}
		v, ok := s.records.Load(strings.ToLower(q.Name))
		if !ok {
			continue
		}
		rr := &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
			Txt: []string{v.(string)},
		}
		m.Answer = append(m.Answer, rr)
	}
	_ = w.WriteMsg(m)
}

// PollSelfReady checks the solver's in-memory record table for the expected
// TXT value; it sends no DNS query and does not wait for real DNS
// propagation.
func (s *DNS01Solver) PollSelfReady(ctx context.Context, identifier string, chall *resources.Challenge, keyAuth string) (bool, error) {
	name := recordName(identifier)
	v, ok := s.records.Load(name)
	if !ok {
		return false, nil
	}
	return v.(string) == digestValue(keyAuth), nil
}

func (s *DNS01Solver) Cleanup(ctx context.Context, identifier string, chall *resources.Challenge) error {
	s.records.Delete(recordName(identifier))

	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := false
	s.records.Range(func(_, _ any) bool { remaining = true; return false })
	if remaining || !s.started {
		return nil
	}
	err := s.server.Shutdown()
	s.started = false
	return err
}
