// Package executor is the Remote Executor boundary: run a command on a
// machine, or move a file to and from it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/pkg/executor"
	"github.com/andrej220/logfleet/pkg/lg"
)

// RemoteExecutor runs work against one machine synchronously and reports
// failure as an error. A non-zero exit matches executor.ErrNonZeroExit.
type RemoteExecutor interface {
	RunCommand(ctx context.Context, m domain.Machine, command string) (string, error)
	UploadFile(ctx context.Context, m domain.Machine, localPath, remotePath string) error
	DownloadFile(ctx context.Context, m domain.Machine, remotePath, localPath string) error
}

// Config holds SSH timeouts and connection reuse settings.
type Config struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
	IdleTTL        time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	MaxRetries     uint64        `yaml:"max_retries" json:"max_retries"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 10 * time.Minute,
		IdleTTL:        10 * time.Minute,
		MaxRetries:     3,
	}
}

// SSHRemote implements RemoteExecutor over SSH. Clients are cached per
// machine and closed when idle for longer than Config.IdleTTL.
type SSHRemote struct {
	cfg      Config
	logger   lg.Logger
	mu       sync.Mutex // orders cache writes against drop
	clients  *ttlcache.Cache[string, *executor.ResilientSSHClient]
	dials    singleflight.Group
	breakers sync.Map // key -> *executor.ResilienceConfig
}

var _ RemoteExecutor = (*SSHRemote)(nil)

func NewSSHRemote(cfg Config, logger lg.Logger) *SSHRemote {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	r := &SSHRemote{
		cfg:    cfg,
		logger: logger,
		clients: ttlcache.New[string, *executor.ResilientSSHClient](
			ttlcache.WithTTL[string, *executor.ResilientSSHClient](cfg.IdleTTL),
		),
	}
	r.clients.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *executor.ResilientSSHClient]) {
		if err := item.Value().Close(); err != nil {
			r.logger.Debug("close ssh client", lg.String("machine", item.Key()), lg.Err(err))
		}
	})
	go r.clients.Start()
	return r
}

// Close drops every cached connection.
func (r *SSHRemote) Close() {
	r.clients.DeleteAll()
	r.clients.Stop()
}

func (r *SSHRemote) RunCommand(ctx context.Context, m domain.Machine, command string) (string, error) {
	var out strings.Builder
	if err := r.exec(ctx, m, executor.Session{Script: command, Stdout: &out}); err != nil {
		var exitErr *executor.ExitError
		if errors.As(err, &exitErr) {
			exitErr.Stdout = out.String()
		}
		return strings.TrimRight(out.String(), "\n"), err
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

func (r *SSHRemote) UploadFile(ctx context.Context, m domain.Machine, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	script := fmt.Sprintf("mkdir -p %s && cat > %s",
		executor.ShellQuote(path.Dir(remotePath)), executor.ShellQuote(remotePath))
	if err := r.exec(ctx, m, executor.Session{Script: script, Stdin: f}); err != nil {
		return fmt.Errorf("upload %s to %s:%s: %w", localPath, m.Host, remotePath, err)
	}
	return nil
}

func (r *SSHRemote) DownloadFile(ctx context.Context, m domain.Machine, remotePath, localPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	err = r.exec(ctx, m, executor.Session{Script: "cat " + executor.ShellQuote(remotePath), Stdout: tmp})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s:%s: %w", m.Host, remotePath, err)
	}
	return os.Rename(tmp.Name(), localPath)
}

func (r *SSHRemote) exec(ctx context.Context, m domain.Machine, s executor.Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	client, err := r.client(ctx, m)
	if err != nil {
		return err
	}
	stderr, err := executor.NewSSHExecutor(client).Exec(ctx, s)
	if err != nil && !errors.Is(err, executor.ErrNonZeroExit) {
		// a timed out command says nothing about the connection
		dropped := ctx.Err() == nil && r.drop(clientKey(m), client)
		r.logger.Warn("ssh exec failed",
			lg.String("machine", m.String()), lg.String("stderr", stderr),
			lg.Bool("redial", dropped), lg.Err(err))
	}
	return err
}

// drop evicts c if it is still the cached client for key. A client dialed
// after c failed is left alone.
func (r *SSHRemote) drop(key string, c *executor.ResilientSSHClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.clients.Get(key, ttlcache.WithDisableTouchOnHit[string, *executor.ResilientSSHClient]())
	if item == nil || item.Value() != c {
		return false
	}
	r.clients.Delete(key)
	return true
}

func (r *SSHRemote) store(key string, c *executor.ResilientSSHClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients.Set(key, c, ttlcache.DefaultTTL)
}

func (r *SSHRemote) client(ctx context.Context, m domain.Machine) (*executor.ResilientSSHClient, error) {
	key := clientKey(m)
	if item := r.clients.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err, _ := r.dials.Do(key, func() (any, error) {
		if item := r.clients.Get(key); item != nil {
			return item.Value(), nil
		}
		cfg, err := executor.ClientConfig(m.Username, m.Password, m.PrivateKeyPath, r.cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		c, err := executor.Dial(ctx, m.Address(), cfg, r.resilience(key))
		if err != nil {
			return nil, err
		}
		r.store(key, c)
		r.logger.Debug("ssh connected", lg.String("machine", m.String()))
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", m, err)
	}
	return v.(*executor.ResilientSSHClient), nil
}

// breaker state survives reconnects
func (r *SSHRemote) resilience(key string) *executor.ResilienceConfig {
	if v, ok := r.breakers.Load(key); ok {
		return v.(*executor.ResilienceConfig)
	}
	res := executor.DefaultResilienceConfig("ssh-" + key)
	if r.cfg.MaxRetries > 0 {
		res.MaxRetries = r.cfg.MaxRetries
	}
	v, _ := r.breakers.LoadOrStore(key, res)
	return v.(*executor.ResilienceConfig)
}

func clientKey(m domain.Machine) string {
	return m.Username + "@" + m.Address()
}
