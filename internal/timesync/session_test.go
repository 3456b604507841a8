package timesync

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// execReply is what the fake sensor answers to one command
type execReply struct {
	stdout string
	stderr string
	status uint32
}

// fakeSensor is an SSH server that records exec commands and stdin
type fakeSensor struct {
	ln      net.Listener
	hostKey ssh.PublicKey
	reply   execReply

	mu       sync.Mutex
	commands []string
	stdin    []string
}

func newFakeSensor(t *testing.T, user, password string) *fakeSensor {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fs := &fakeSensor{ln: ln, hostKey: signer.PublicKey()}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go fs.serveConn(nc, config)
		}
	}()
	return fs
}

func (fs *fakeSensor) serveConn(nc net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go fs.serveSession(ch, requests)
	}
}

func (fs *fakeSensor) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		line, _ := bufio.NewReader(ch).ReadString('\n')
		fs.mu.Lock()
		fs.commands = append(fs.commands, payload.Command)
		fs.stdin = append(fs.stdin, line)
		reply := fs.reply
		fs.mu.Unlock()

		ch.Write([]byte(reply.stdout))
		ch.Stderr().Write([]byte(reply.stderr))
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.status}))
		return
	}
}

func (fs *fakeSensor) config(t *testing.T, user, password string) Config {
	t.Helper()
	host, port, err := net.SplitHostPort(fs.ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	known := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(fs.ln.Addr().String())}, fs.hostKey)
	require.NoError(t, os.WriteFile(known, []byte(line+"\n"), 0o600))

	return Config{Host: host, Port: p, User: user, Password: password, KnownHostsFile: known, Timeout: 5 * time.Second}
}

func TestConfigValidateHasNoDefaults(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Contains(t, err.Error(), "host, user, password")

	_, err = NewSession(Config{Host: "rs.local", User: "myshake"}, nil)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestSetTimeUTC(t *testing.T) {
	fs := newFakeSensor(t, "myshake", "s3cret")
	s, err := NewSession(fs.config(t, "myshake", "s3cret"), nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 7, 9, 14, 3, 2, 900_000_000, time.FixedZone("MSK", 3*3600)) }

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Connect(ctx), "second connect is a no-op")
	assert.True(t, s.Connected())

	res, err := s.SetTimeUTC(ctx)
	require.NoError(t, err)
	assert.Equal(t, `sudo -kS -p '' date -u --set "09 Jul 2024 11:03:02"`, res.Command)
	assert.True(t, res.Time.Equal(time.Date(2024, 7, 9, 11, 3, 2, 0, time.UTC)))

	fs.mu.Lock()
	assert.Equal(t, []string{res.Command}, fs.commands)
	assert.Equal(t, []string{"s3cret\n"}, fs.stdin)
	fs.mu.Unlock()

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect(), "second disconnect is a no-op")
	assert.False(t, s.Connected())
}

func TestSetTimeUTCNotConnected(t *testing.T) {
	s, err := NewSession(Config{Host: "rs.local", User: "u", Password: "p"}, nil)
	require.NoError(t, err)
	_, err = s.SetTimeUTC(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSetTimeUTCRemoteFailure(t *testing.T) {
	tests := []struct {
		name  string
		reply execReply
		want  string
	}{
		{name: "stderr", reply: execReply{stderr: "Sorry, try again.\n", status: 1}, want: "Sorry, try again."},
		{name: "exit status only", reply: execReply{status: 1}, want: "exited with status 1"},
		{name: "stderr with success", reply: execReply{stderr: "date: cannot set date: Operation not permitted\n"}, want: "Operation not permitted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSensor(t, "u", "p")
			fs.reply = tt.reply
			res, err := Sync(context.Background(), fs.config(t, "u", "p"), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSyncFailed))
			assert.Contains(t, err.Error(), tt.want)
			assert.NotEmpty(t, res.Command)
		})
	}
}

func TestConnectWrongPassword(t *testing.T) {
	fs := newFakeSensor(t, "u", "right")
	s, err := NewSession(fs.config(t, "u", "wrong"), nil)
	require.NoError(t, err)
	err = s.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.False(t, s.Connected())
}

func TestConnectUnknownHostKey(t *testing.T) {
	fs := newFakeSensor(t, "u", "p")
	cfg := fs.config(t, "u", "p")

	other := newFakeSensor(t, "u", "p")
	cfg.KnownHostsFile = other.config(t, "u", "p").KnownHostsFile

	s, err := NewSession(cfg, nil)
	require.NoError(t, err)
	err = s.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed))

	cfg.InsecureIgnoreHostKey = true
	res, err := Sync(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Host, res.Host)
}

func TestConnectMissingKnownHosts(t *testing.T) {
	fs := newFakeSensor(t, "u", "p")
	cfg := fs.config(t, "u", "p")
	cfg.KnownHostsFile = filepath.Join(t.TempDir(), "absent")

	s, err := NewSession(cfg, nil)
	require.NoError(t, err)
	err = s.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.NotEmpty(t, errors.GetAllHints(err))
}
