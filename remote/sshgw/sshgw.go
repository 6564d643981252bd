// Package sshgw is the production transport: one SSH connection per server,
// one session per command.
package sshgw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/remote/internal"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	// Used for servers without a username
	Username string
	// Used for servers without a private key; the SSH agent and the usual
	// ~/.ssh/id_* keys are tried otherwise
	PrivateKeyPath string
	// Defaults to ~/.ssh/known_hosts
	KnownHostsPath string
	// Accept any host key
	InsecureHostKey bool

	DialTimeout       time.Duration
	DialAttempts      int
	KeepaliveInterval time.Duration
}

func (c Config) withDefaults() Config {
	home, _ := os.UserHomeDir()
	c.Username = lo.Ternary(c.Username != "", c.Username, os.Getenv("USER"))
	c.KnownHostsPath = lo.Ternary(c.KnownHostsPath != "", c.KnownHostsPath, filepath.Join(home, ".ssh", "known_hosts"))
	c.DialTimeout = lo.Ternary(c.DialTimeout > 0, c.DialTimeout, 10*time.Second)
	c.DialAttempts = lo.Ternary(c.DialAttempts > 0, c.DialAttempts, 3)
	c.KeepaliveInterval = lo.Ternary(c.KeepaliveInterval > 0, c.KeepaliveInterval, 30*time.Second)
	return c
}

type Gateway struct {
	config Config

	clients map[string]*ssh.Client
	dialing map[string]*sync.Mutex
	mutex   sync.Mutex
	closed  atomic.Bool

	// Shared by every dial, opened on first use
	agentOnce   sync.Once
	agentConn   net.Conn
	agentClient agent.ExtendedAgent

	log *slog.Logger
}

// Gateway implements remote.Gateway
var _ remote.Gateway = (*Gateway)(nil)

func New(config Config, log *slog.Logger) *Gateway {
	return &Gateway{
		config:  config.withDefaults(),
		clients: map[string]*ssh.Client{},
		dialing: map[string]*sync.Mutex{},
		log:     log.With("component", "ssh"),
	}
}

func (g *Gateway) Exec(ctx context.Context, server spec.Server, command remote.Command) (remote.Result, error) {
	var result remote.Result

	session, err := g.session(ctx, server)
	if err != nil {
		return result, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = strings.NewReader(command.Stdin)
	session.Stdout = &stdout
	session.Stderr = &stderr

	g.log.Debug("Running command", "server", server.Name, "command", command.Script)

	start := time.Now()
	if err := session.Start("bash -c " + shellescape.Quote(remote.BuildScript(command.Script, command.Env))); err != nil {
		return result, g.lost(server, fmt.Errorf("failed to start command: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var timeout <-chan time.Time
	if command.Timeout > 0 {
		timer := time.NewTimer(command.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err = <-done:
	case <-timeout:
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		result = remote.Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
		return remote.TimedOut(result, command.Timeout), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return result, ctx.Err()
	}

	result = remote.Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ReturnCode = exitErr.ExitStatus()
		return result, nil
	default:
		return result, g.lost(server, fmt.Errorf("command did not complete: %w", err))
	}
}

func (g *Gateway) Push(ctx context.Context, server spec.Server, local, dest string) error {
	session, err := g.session(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()

	in, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin of '%s': %w", server.Name, err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	base := filepath.Base(local)
	script := fmt.Sprintf(
		`set -e; tmp=$(mktemp -d); trap 'rm -rf "$tmp"' EXIT; zstd --decompress --stdout --quiet | tar --extract --directory "$tmp"; mkdir -p %s; rm -rf %s; mv "$tmp"/%s %s`,
		shellescape.Quote(path.Dir(dest)),
		shellescape.Quote(dest),
		shellescape.Quote(base),
		shellescape.Quote(dest),
	)
	if err := session.Start("bash -c " + shellescape.Quote(script)); err != nil {
		return g.lost(server, fmt.Errorf("failed to start upload: %w", err))
	}

	writeErr := writeArchive(in, local)
	_ = in.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("failed to upload '%s' to '%s:%s': %w: %s", local, server.Name, dest, err, strings.TrimSpace(stderr.String()))
	}
	if writeErr != nil {
		return fmt.Errorf("failed to archive '%s': %w", local, writeErr)
	}

	return nil
}

func (g *Gateway) Pull(ctx context.Context, server spec.Server, src, local string) error {
	session, err := g.session(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()

	out, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of '%s': %w", server.Name, err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	script := fmt.Sprintf(
		"set -o pipefail; tar --create --file - --directory %s %s | zstd --compress --stdout --quiet",
		shellescape.Quote(path.Dir(src)),
		shellescape.Quote(path.Base(src)),
	)
	if err := session.Start("bash -c " + shellescape.Quote(script)); err != nil {
		return g.lost(server, fmt.Errorf("failed to start download: %w", err))
	}

	extractErr := extractArchive(out, local)
	if extractErr != nil {
		_, _ = io.Copy(io.Discard, out)
	}

	if err := session.Wait(); err != nil {
		return fmt.Errorf("failed to download '%s:%s': %w: %s", server.Name, src, err, strings.TrimSpace(stderr.String()))
	}
	if extractErr != nil {
		return fmt.Errorf("failed to extract '%s:%s' to '%s': %w", server.Name, src, local, extractErr)
	}

	return nil
}

func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	var errs []error
	for name, client := range g.clients {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection to '%s': %w", name, err))
		}
		delete(g.clients, name)
	}

	// Waits for a dial still opening the agent
	g.agentOnce.Do(func() {})
	if g.agentConn != nil {
		if err := g.agentConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close SSH agent connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) session(ctx context.Context, server spec.Server) (*ssh.Session, error) {
	client, err := g.client(ctx, server)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, g.lost(server, fmt.Errorf("failed to create SSH session: %w", err))
	}
	return session, nil
}

// lost forgets the connection to server so that the next command dials again.
func (g *Gateway) lost(server spec.Server, err error) error {
	g.mutex.Lock()
	if client, ok := g.clients[server.Name]; ok {
		_ = client.Close()
		delete(g.clients, server.Name)
	}
	g.mutex.Unlock()

	return &remote.ConnectionError{Server: server.Name, Err: err}
}

func (g *Gateway) client(ctx context.Context, server spec.Server) (*ssh.Client, error) {
	if g.closed.Load() {
		return nil, &remote.ConnectionError{Server: server.Name, Err: fmt.Errorf("gateway is closed")}
	}

	// Connections to distinct servers are dialed concurrently
	dialing := g.dialLock(server.Name)
	dialing.Lock()
	defer dialing.Unlock()

	g.mutex.Lock()
	client, ok := g.clients[server.Name]
	g.mutex.Unlock()
	if ok {
		return client, nil
	}

	config, err := g.clientConfig(server)
	if err != nil {
		return nil, &remote.ConnectionError{Server: server.Name, Err: err}
	}

	log := g.log.With("server", server.Name, "address", server.Address())
	attempt := 0
	client, err = internal.Retry(ctx, g.config.DialAttempts, func() (*ssh.Client, error) {
		attempt++
		client, err := dial(ctx, server.Address(), config)
		if err != nil {
			log.Debug("Connection to server failed", "attempt", attempt, "error", err)
		}
		return client, err
	})
	if err != nil {
		return nil, &remote.ConnectionError{Server: server.Name, Err: err}
	}

	log.Debug("Connected to server", "attempts", attempt)
	g.mutex.Lock()
	g.clients[server.Name] = client
	g.mutex.Unlock()
	go g.keepalive(server, client)

	return client, nil
}

func (g *Gateway) dialLock(name string) *sync.Mutex {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.dialing[name]; !ok {
		g.dialing[name] = &sync.Mutex{}
	}
	return g.dialing[name]
}

func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) || strings.Contains(err.Error(), "knownhosts:") || strings.Contains(err.Error(), "unable to authenticate") {
			return nil, internal.Permanent(err)
		}
		return nil, err
	}

	return ssh.NewClient(c, chans, reqs), nil
}

// keepalive prevents idle connections from being dropped between rounds.
func (g *Gateway) keepalive(server spec.Server, client *ssh.Client) {
	ticker := time.NewTicker(g.config.KeepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		if g.closed.Load() {
			return
		}

		g.mutex.Lock()
		current := g.clients[server.Name]
		g.mutex.Unlock()
		if current != client {
			return
		}

		if _, _, err := client.SendRequest("keepalive@noodles", true, nil); err != nil {
			g.log.Warn("SSH keepalive failed", "server", server.Name, "error", err)
			_ = g.lost(server, err)
			return
		}
	}
}

func (g *Gateway) clientConfig(server spec.Server) (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !g.config.InsecureHostKey {
		var err error
		if hostKeyCallback, err = knownhosts.New(g.config.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	auth, err := g.authMethods(server)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            lo.Ternary(server.Username != "", server.Username, g.config.Username),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         g.config.DialTimeout,
	}, nil
}

func (g *Gateway) authMethods(server spec.Server) ([]ssh.AuthMethod, error) {
	if keyPath := lo.Ternary(server.PrivateKeyPath != "", server.PrivateKeyPath, g.config.PrivateKeyPath); keyPath != "" {
		signer, err := loadKey(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	var methods []ssh.AuthMethod
	if client := g.agent(); client != nil {
		methods = append(methods, ssh.PublicKeysCallback(client.Signers))
	}

	home, _ := os.UserHomeDir()
	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		if signer, err := loadKey(filepath.Join(home, ".ssh", name)); err == nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH agent or private key available")
	}
	return methods, nil
}

// agent connects to the SSH agent of SSH_AUTH_SOCK once per gateway. It
// returns nil when there is no agent.
func (g *Gateway) agent() agent.ExtendedAgent {
	g.agentOnce.Do(func() {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			g.log.Debug("SSH agent is not reachable", "error", err)
			return
		}
		g.agentConn = conn
		g.agentClient = agent.NewClient(conn)
	})
	return g.agentClient
}

func loadKey(keyPath string) (ssh.Signer, error) {
	if rest, ok := strings.CutPrefix(keyPath, "~/"); ok {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, rest)
	}

	buf, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key '%s': %w", keyPath, err)
	}
	return signer, nil
}
