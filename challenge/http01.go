package challenge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/acme"
	"github.com/cpu/acmed/acme/resources"
)

const http01Path = "/.well-known/acme-challenge/"

// HTTP01Solver answers HTTP-01 challenges by serving key authorizations at
// the well-known path on a listening HTTP server. Multiple identifiers may
// be in flight concurrently against the same listener; the listener itself
// is reference counted so the first Setup call binds the socket and the last
// matching Cleanup call closes it, the pattern used by certmagic's
// httpSolver in the retrieved example pack for the same reason (many
// concurrent challenges, one shared port 80).
type HTTP01Solver struct {
	// Addr is the address to listen on, e.g. ":80".
	Addr string
	log  *logrus.Entry

	mu      sync.Mutex
	started bool
	closing int32
	ln      net.Listener
	done    chan struct{}
	tokens  sync.Map // token -> keyAuth
}

// NewHTTP01Solver creates a solver bound to addr (e.g. ":80").
func NewHTTP01Solver(addr string, log *logrus.Entry) *HTTP01Solver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTP01Solver{Addr: addr, log: log.WithField("component", "http01-solver")}
}

func (s *HTTP01Solver) Supports(challType, identifier string) bool {
	if challType != acme.ChallengeHTTP01 {
		return false
	}
	// Wildcards cannot be validated over HTTP-01.
	return !strings.HasPrefix(identifier, "*.")
}

func (s *HTTP01Solver) Setup(ctx context.Context, identifier string, chall *resources.Challenge, keyAuth string) error {
	s.tokens.Store(chall.Token, keyAuth)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("http01: listening on %s: %w", s.Addr, err)
	}
	s.ln = ln
	s.started = true
	s.done = make(chan struct{})
	go s.serve(ln, s.done)
	return nil
}

func (s *HTTP01Solver) serve(ln net.Listener, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("http01 solver serve loop panicked")
		}
	}()
	srv := &http.Server{Handler: http.HandlerFunc(s.handle)}
	if err := srv.Serve(ln); err != nil && atomic.LoadInt32(&s.closing) == 0 {
		s.log.WithError(err).Error("http01 solver serve loop exited")
	}
}

func (s *HTTP01Solver) handle(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, http01Path)
	v, ok := s.tokens.Load(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(v.(string)))
}

func (s *HTTP01Solver) PollSelfReady(ctx context.Context, identifier string, chall *resources.Challenge, keyAuth string) (bool, error) {
	return true, nil
}

func (s *HTTP01Solver) Cleanup(ctx context.Context, identifier string, chall *resources.Challenge) error {
	s.tokens.Delete(chall.Token)

	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := false
	s.tokens.Range(func(_, _ any) bool { remaining = true; return false })
	if remaining || !s.started {
		return nil
	}

	atomic.StoreInt32(&s.closing, 1)
	err := s.ln.Close()
	<-s.done // wait for serve's error check to observe closing before resetting it
	s.started = false
	atomic.StoreInt32(&s.closing, 0)
	return err
}
