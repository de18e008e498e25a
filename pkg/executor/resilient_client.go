package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

type SSHClient interface {
	NewSession() (*ssh.Session, error)
	Close() error
	RemoteAddr() net.Addr
}

type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	MaxRetries             uint64
	CircuitBreakerSettings gobreaker.Settings
	CircuitBreaker         *gobreaker.CircuitBreaker
}

type ResilientSSHClient struct {
	SSHClient SSHClient
	ResConf   *ResilienceConfig
}

func NewResilienceConfig(defaultBackOff *backoff.ExponentialBackOff, cbs gobreaker.Settings, cb *gobreaker.CircuitBreaker) *ResilienceConfig {
	return &ResilienceConfig{
		BackoffSettings:        defaultBackOff,
		MaxRetries:             3,
		CircuitBreakerSettings: cbs,
		CircuitBreaker:         cb,
	}
}

// DefaultResilienceConfig returns the breaker and backoff used for one machine.
func DefaultResilienceConfig(name string) *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return NewResilienceConfig(
		&backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			MaxElapsedTime:      30 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		cbs,
		gobreaker.NewCircuitBreaker(cbs),
	)
}

func (r *ResilienceConfig) Configure(backoffSettings *backoff.ExponentialBackOff, cbSettings gobreaker.Settings) {
	r.BackoffSettings = backoffSettings
	r.CircuitBreakerSettings = cbSettings
	r.CircuitBreaker = gobreaker.NewCircuitBreaker(cbSettings)
}

// Do runs fn through the circuit breaker, retrying with exponential backoff.
// An open breaker stops the retries immediately.
func (r *ResilienceConfig) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	var result any
	op := func() error {
		res, err := r.CircuitBreaker.Execute(fn)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, r.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// each call gets its own copy, ExponentialBackOff is stateful
func (r *ResilienceConfig) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.BackoffSettings != nil {
		bo := *r.BackoffSettings
		bo.Reset()
		b = &bo
	}
	if r.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, r.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

func (c *ResilientSSHClient) Close() error {
	return c.SSHClient.Close()
}

// NewSession opens a session through the circuit breaker with backoff retries.
// The caller is responsible for closing the returned session.
func (c *ResilientSSHClient) NewSession(ctx context.Context) (*ssh.Session, error) {
	res, err := c.ResConf.Do(ctx, func() (any, error) {
		return c.SSHClient.NewSession()
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return res.(*ssh.Session), nil
}

// Dial connects to addr with the breaker and backoff from res.
func Dial(ctx context.Context, addr string, config *ssh.ClientConfig, res *ResilienceConfig) (*ResilientSSHClient, error) {
	client, err := res.Do(ctx, func() (any, error) {
		d := net.Dialer{Timeout: config.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return ssh.NewClient(c, chans, reqs), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &ResilientSSHClient{
		SSHClient: client.(*ssh.Client),
		ResConf:   res,
	}, nil
}

// ClientConfig builds an ssh.ClientConfig using a private key when keyPath is
// set and a password otherwise.
func ClientConfig(user, password, keyPath string, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if keyPath != "" {
		m, err := publicKeyAuth(keyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, m)
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials for user %q", user)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}, nil
}

func publicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}
