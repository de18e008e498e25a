package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastResilience(trip uint32) *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
	}
	return NewResilienceConfig(&backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, cbs, gobreaker.NewCircuitBreaker(cbs))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	res := fastResilience(100)
	calls := 0
	out, err := res.Do(context.Background(), func() (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	res := fastResilience(100)
	res.MaxRetries = 2
	calls := 0
	_, err := res.Do(context.Background(), func() (any, error) {
		calls++
		return nil, errors.New("refused")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnOpenBreaker(t *testing.T) {
	res := fastResilience(1)
	res.MaxRetries = 10
	calls := 0
	_, err := res.Do(context.Background(), func() (any, error) {
		calls++
		return nil, errors.New("refused")
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 1, calls)
}

func TestExitError(t *testing.T) {
	err := error(&ExitError{Script: "false", Status: 2, Stderr: "no such file\n"})
	assert.ErrorIs(t, err, ErrNonZeroExit)
	assert.Equal(t, "exit status 2: no such file", err.Error())
	assert.Equal(t, "exit status 1", (&ExitError{Status: 1}).Error())

	wrapped := fmt.Errorf("mkdir: %w", err)
	var exitErr *ExitError
	require.ErrorAs(t, wrapped, &exitErr)
	assert.Equal(t, 2, exitErr.Status)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/opt/logstash'`, ShellQuote("/opt/logstash"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}

func TestClientConfigNeedsCredentials(t *testing.T) {
	_, err := ClientConfig("deploy", "", "", time.Second)
	assert.Error(t, err)

	cfg, err := ClientConfig("deploy", "secret", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "deploy", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}
