// Package host implements the ensemble host set and chooser (spec.md
// §4.2, component C2): parsing the connect string's host list, shuffling
// it per connect attempt, iterating candidates, and backing off across
// full passes with a per-host circuit breaker.
package host

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Resolver resolves a host:port string to one or more dialable addresses.
// The default resolves via net.DefaultResolver; tests substitute a fake.
type Resolver interface {
	Resolve(ctx context.Context, hostPort string) ([]string, error)
}

type netResolver struct{}

func (netResolver) Resolve(ctx context.Context, hostPort string) ([]string, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return []string{hostPort}, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = net.JoinHostPort(a, port)
	}
	return out, nil
}

// Set owns the configured host list, the per-attempt shuffled address
// order, backoff between full passes, and a circuit breaker per
// candidate address (keyed by the address given to Allow and Report,
// created on first use) so an address that is repeatedly refusing
// handshakes is skipped for a cooldown window rather than retried every
// pass.
type Set struct {
	mu       sync.Mutex
	hosts    []string // as configured, pre-resolution
	resolver Resolver
	rand     *rand.Rand

	breakers map[string]*gobreaker.CircuitBreaker

	backoffPolicy backoff.BackOff
	backoffMu     sync.Mutex
}

// New builds a Set from the configured host:port list and the negotiated
// session timeout, used to derive the initial backoff interval
// (spec.md §4.2: start at max(1s, timeout/ensemble-size)).
func New(hosts []string, sessionTimeout time.Duration) *Set {
	s := &Set{
		hosts:    append([]string(nil), hosts...),
		resolver: netResolver{},
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, h := range hosts {
		h := h
		s.breakers[h] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        h,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	s.backoffPolicy = s.newBackoff(sessionTimeout)
	return s
}

func (s *Set) newBackoff(sessionTimeout time.Duration) backoff.BackOff {
	initial := sessionTimeout
	if n := len(s.hosts); n > 0 {
		initial = sessionTimeout / time.Duration(n)
	}
	if initial < time.Second {
		initial = time.Second
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = 60 * time.Second
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0 // never give up; the engine decides when to stop
	eb.RandomizationFactor = 0.1
	// NewExponentialBackOff already reset the current interval to its own
	// default; reset again so the first pass starts at initial.
	eb.Reset()
	return eb
}

// SetResolver overrides the DNS resolver, for tests.
func (s *Set) SetResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// Candidates resolves every configured host afresh and returns them in
// random order (spec.md §4.2: "Hosts are resolved once per connect
// attempt (fresh DNS), the resulting address list is shuffled").
func (s *Set) Candidates(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	hosts := append([]string(nil), s.hosts...)
	resolver := s.resolver
	s.mu.Unlock()

	var addrs []string
	for _, h := range hosts {
		resolved, err := resolver.Resolve(ctx, h)
		if err != nil {
			continue
		}
		addrs = append(addrs, resolved...)
	}
	if len(addrs) == 0 {
		return nil, ErrNoServers
	}
	s.mu.Lock()
	s.rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	s.mu.Unlock()
	return addrs, nil
}

// Allow reports whether addr's circuit breaker currently permits a
// connection attempt; the caller should skip addr for this pass if not.
func (s *Set) Allow(addr string) bool {
	cb := s.breakerFor(addr)
	return cb.State() != gobreaker.StateOpen
}

// Report records the outcome of a connection attempt to addr, training
// the circuit breaker that repeatedly-refusing hosts should be skipped
// for a cooldown window (spec.md §4.2 enrichment, see SPEC_FULL.md).
func (s *Set) Report(addr string, success bool) {
	cb := s.breakerFor(addr)
	_, _ = cb.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errAttemptFailed
	})
}

func (s *Set) breakerFor(addr string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[addr]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    addr,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		s.breakers[addr] = cb
	}
	return cb
}

// NextBackoff returns how long to sleep after a full pass over every
// candidate has failed, doubling each call up to a 60s cap, per
// spec.md §4.2.
func (s *Set) NextBackoff() time.Duration {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	return s.backoffPolicy.NextBackOff()
}

// ResetBackoff is called on a successful Connected transition.
func (s *Set) ResetBackoff() {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	s.backoffPolicy.Reset()
}
