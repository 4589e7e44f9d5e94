package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	resolved map[string][]string
}

func (f fakeResolver) Resolve(ctx context.Context, hostPort string) ([]string, error) {
	if addrs, ok := f.resolved[hostPort]; ok {
		return addrs, nil
	}
	return nil, errors.New("fake resolver: no such host " + hostPort)
}

func TestCandidatesReturnsEveryResolvedAddress(t *testing.T) {
	s := New([]string{"a:2181", "b:2181"}, 10*time.Second)
	s.SetResolver(fakeResolver{resolved: map[string][]string{
		"a:2181": {"10.0.0.1:2181", "10.0.0.2:2181"},
		"b:2181": {"10.0.0.3:2181"},
	}})

	addrs, err := s.Candidates(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"10.0.0.1:2181", "10.0.0.2:2181", "10.0.0.3:2181"}, addrs)
}

func TestCandidatesSkipsUnresolvableHosts(t *testing.T) {
	s := New([]string{"a:2181", "bad:2181"}, 10*time.Second)
	s.SetResolver(fakeResolver{resolved: map[string][]string{
		"a:2181": {"10.0.0.1:2181"},
	}})
	addrs, err := s.Candidates(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:2181"}, addrs)
}

func TestCandidatesErrorsWhenNothingResolves(t *testing.T) {
	s := New(nil, 10*time.Second)
	_, err := s.Candidates(context.Background())
	require.ErrorIs(t, err, ErrNoServers)
}

func TestNextBackoffDoublesUpToCap(t *testing.T) {
	s := New([]string{"a:2181"}, 2*time.Second)
	first := s.NextBackoff()
	second := s.NextBackoff()
	require.Greater(t, second, first)
}

func TestResetBackoffRestoresInitialInterval(t *testing.T) {
	s := New([]string{"a:2181"}, 2*time.Second)
	first := s.NextBackoff()
	_ = s.NextBackoff()
	s.ResetBackoff()
	afterReset := s.NextBackoff()
	// allow for jitter: the reset interval should be close to the first one,
	// not a further-doubled value.
	require.InDelta(t, float64(first), float64(afterReset), float64(first))
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	s := New([]string{"a:2181"}, 10*time.Second)
	addr := "a:2181"
	require.True(t, s.Allow(addr))
	for i := 0; i < 5; i++ {
		s.Report(addr, false)
	}
	require.False(t, s.Allow(addr))
}

func TestCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	s := New([]string{"a:2181"}, 10*time.Second)
	addr := "a:2181"
	s.Report(addr, true)
	s.Report(addr, true)
	require.True(t, s.Allow(addr))
}
