// Package timesync sets a remote sensor's clock to the local UTC time over SSH.
package timesync

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSyncFailed       = errors.New("time synchronization failed")
	ErrConfig           = errors.New("invalid time sync configuration")
)

// DateLayout is the clock format passed to date --set
const DateLayout = "02 Jan 2006 15:04:05"

// Config holds connection settings. Credentials have no defaults and
// must come from the operator's configuration or environment.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// KnownHostsFile defaults to ~/.ssh/known_hosts
	KnownHostsFile string
	// InsecureIgnoreHostKey skips host key verification
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// Validate checks that every required field is present
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if c.User == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrConfig, "missing %s", strings.Join(missing, ", "))
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(ErrConfig, "port %d out of range", c.Port)
	}
	return nil
}

func (c Config) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Result describes a completed synchronization
type Result struct {
	Host    string    `json:"host"`
	Time    time.Time `json:"time"`
	Command string    `json:"command"`
	Output  string    `json:"output,omitempty"`
}

// Session is one SSH connection to a sensor
type Session struct {
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	client *ssh.Client
}

// NewSession validates cfg and prepares a session. It does not connect.
func NewSession(cfg Config, logger *zap.SugaredLogger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Connected reports whether the session holds an open connection
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Connect opens the SSH connection. Connecting twice is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return errors.Mark(err, ErrConnectionFailed)
	}
	config := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.Timeout,
	}

	addr := s.cfg.address()
	client, err := dial(ctx, addr, config)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "connect %s", addr), ErrConnectionFailed)
	}
	s.client = client
	s.logger.Infow("Connected", "host", addr, "user", s.cfg.User)
	return nil
}

func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.InsecureIgnoreHostKey {
		s.logger.Warnw("Host key verification disabled", "host", s.cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := s.cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "locate known_hosts")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "load known hosts %s", path),
			"add the sensor with ssh-keyscan or set timesync.insecure_ignore_host_key")
	}
	return cb, nil
}

func dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(config.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Command returns the remote command used to set the clock to t
func Command(t time.Time) string {
	return fmt.Sprintf(`sudo -kS -p '' date -u --set "%s"`, t.UTC().Format(DateLayout))
}

// SetTimeUTC sets the remote clock to the current UTC time. The password
// is fed to sudo on stdin. A non-zero exit status or any stderr output is
// reported as ErrSyncFailed carrying the remote message.
func (s *Session) SetTimeUTC(ctx context.Context) (Result, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return Result{}, ErrNotConnected
	}

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "open session"), ErrSyncFailed)
	}
	defer sess.Close()

	now := s.now().UTC().Truncate(time.Second)
	cmd := Command(now)

	var stdout, stderr bytes.Buffer
	sess.Stdin = strings.NewReader(s.cfg.Password + "\n")
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return Result{}, errors.Mark(errors.Wrap(ctx.Err(), "set time"), ErrSyncFailed)
	case err = <-done:
	}

	res := Result{
		Host:    s.cfg.Host,
		Time:    now,
		Command: cmd,
		Output:  strings.TrimSpace(stdout.String()),
	}
	if msg := strings.TrimSpace(stderr.String()); err != nil || msg != "" {
		if msg == "" {
			msg = err.Error()
		}
		return res, errors.Mark(errors.Newf("%s: %s", s.cfg.Host, msg), ErrSyncFailed)
	}

	s.logger.Infow("Clock set", "host", s.cfg.Host, "time", now.Format(time.RFC3339))
	return res, nil
}

// Disconnect closes the connection. Disconnecting twice is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "disconnect")
	}
	return nil
}

// Sync connects, sets the clock and disconnects
func Sync(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Result, error) {
	s, err := NewSession(cfg, logger)
	if err != nil {
		return Result{}, err
	}
	if err := s.Connect(ctx); err != nil {
		return Result{}, err
	}
	defer s.Disconnect()
	return s.SetTimeUTC(ctx)
}
