// Package fake is a deterministic in-memory remote.Gateway for tests.
//
// Commands are answered by handlers registered with On, matched by substring
// in registration order; unmatched commands succeed with no output. Lock
// marker commands (those carrying lock.EnvOp) are served by a Markers
// store, which several gateways may share to emulate concurrent schedulers.
package fake

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/noodles/lock"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

type Handler func(server spec.Server, command remote.Command) (remote.Result, error)

type Call struct {
	Server string
	Script string
	Env    map[string]string
	Stdin  string
	At     time.Time
}

type route struct {
	match   string
	handler Handler
}

type Gateway struct {
	Markers *Markers

	mutex       sync.Mutex
	routes      []route
	unreachable map[string]bool
	files       map[string][]byte
	calls       []Call
	inFlight    map[string]int
	maxInFlight map[string]int
	overlaps    int
	closed      bool
}

// Gateway implements remote.Gateway
var _ remote.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		Markers:     NewMarkers(),
		unreachable: map[string]bool{},
		files:       map[string][]byte{},
		inFlight:    map[string]int{},
		maxInFlight: map[string]int{},
	}
}

// On answers every command containing match with handler.
func (g *Gateway) On(match string, handler Handler) *Gateway {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.routes = append(g.routes, route{match, handler})
	return g
}

// SetUnreachable makes every operation on server fail with a *remote.ConnectionError.
func (g *Gateway) SetUnreachable(server string, unreachable bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.unreachable[server] = unreachable
}

// SetFile stores content at path on server, for Pull.
func (g *Gateway) SetFile(server, path string, content []byte) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.files[server+":"+path] = content
}

func (g *Gateway) File(server, path string) ([]byte, bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	content, ok := g.files[server+":"+path]
	return content, ok
}

func (g *Gateway) Exec(ctx context.Context, server spec.Server, command remote.Command) (remote.Result, error) {
	if err := g.record(server, command); err != nil {
		return remote.Result{}, err
	}

	key := server.Name + "\x00" + command.Script
	g.enter(server.Name, key)
	defer g.leave(server.Name, key)

	if op := command.Env[lock.EnvOp]; op != "" {
		return g.Markers.exec(server.Name, op, command.Env[lock.EnvPath], command.Env[lock.EnvOwner]), nil
	}

	g.mutex.Lock()
	route, ok := lo.Find(g.routes, func(r route) bool { return strings.Contains(command.Script, r.match) })
	g.mutex.Unlock()

	if !ok {
		return remote.Result{}, nil
	}
	return route.handler(server, command)
}

func (g *Gateway) Push(ctx context.Context, server spec.Server, local, dest string) error {
	if err := g.record(server, remote.Command{Script: fmt.Sprintf("push %s %s", local, dest)}); err != nil {
		return err
	}

	content, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	g.SetFile(server.Name, dest, content)
	return nil
}

func (g *Gateway) Pull(ctx context.Context, server spec.Server, src, local string) error {
	if err := g.record(server, remote.Command{Script: fmt.Sprintf("pull %s %s", src, local)}); err != nil {
		return err
	}

	content, ok := g.File(server.Name, src)
	if !ok {
		return fmt.Errorf("%s:%s: no such file", server.Name, src)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, content, 0o644)
}

func (g *Gateway) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.closed = true
	return nil
}

func (g *Gateway) record(server spec.Server, command remote.Command) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return fmt.Errorf("gateway is closed")
	}
	if g.unreachable[server.Name] {
		return &remote.ConnectionError{Server: server.Name, Err: fmt.Errorf("connection refused")}
	}

	g.calls = append(g.calls, Call{
		Server: server.Name,
		Script: command.Script,
		Env:    maps.Clone(command.Env),
		Stdin:  command.Stdin,
		At:     time.Now(),
	})
	return nil
}

func (g *Gateway) enter(server, key string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.inFlight[key]++
	if g.inFlight[key] > 1 {
		g.overlaps++
	}
	g.inFlight[server]++
	g.maxInFlight[server] = max(g.maxInFlight[server], g.inFlight[server])
}

func (g *Gateway) leave(server, key string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.inFlight[key]--
	g.inFlight[server]--
}

// Calls returns every recorded operation, in order.
func (g *Gateway) Calls() []Call {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return append([]Call{}, g.calls...)
}

// Scripts returns the scripts run on server, lock operations excluded.
func (g *Gateway) Scripts(server string) []string {
	return lo.FilterMap(g.Calls(), func(c Call, _ int) (string, bool) {
		return c.Script, c.Server == server && c.Env[lock.EnvOp] == ""
	})
}

// Count returns how many recorded scripts contain match.
func (g *Gateway) Count(match string) int {
	return lo.CountBy(g.Calls(), func(c Call) bool { return strings.Contains(c.Script, match) })
}

// Overlaps counts commands started while an identical command was still
// running on the same server.
func (g *Gateway) Overlaps() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.overlaps
}

// MaxInFlight is the highest number of commands seen running at once on server.
func (g *Gateway) MaxInFlight(server string) int {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.maxInFlight[server]
}

// Handlers

// Output succeeds with stdout.
func Output(stdout string) Handler {
	return func(spec.Server, remote.Command) (remote.Result, error) {
		return remote.Result{Stdout: stdout}, nil
	}
}

// Exit fails with code and stderr.
func Exit(code int, stderr string) Handler {
	return func(spec.Server, remote.Command) (remote.Result, error) {
		return remote.Result{ReturnCode: code, Stderr: stderr}, nil
	}
}

// Sequence answers with each handler in turn, the last one repeating.
func Sequence(handlers ...Handler) Handler {
	var mutex sync.Mutex
	calls := 0
	return func(server spec.Server, command remote.Command) (remote.Result, error) {
		mutex.Lock()
		handler := handlers[min(calls, len(handlers)-1)]
		calls++
		mutex.Unlock()
		return handler(server, command)
	}
}

// PerServer answers with the handler registered for the server, or fallback.
func PerServer(handlers map[string]Handler, fallback Handler) Handler {
	return func(server spec.Server, command remote.Command) (remote.Result, error) {
		if handler, ok := handlers[server.Name]; ok {
			return handler(server, command)
		}
		return fallback(server, command)
	}
}

// Delay runs handler after d, to keep a command in flight.
func Delay(d time.Duration, handler Handler) Handler {
	return func(server spec.Server, command remote.Command) (remote.Result, error) {
		time.Sleep(d)
		return handler(server, command)
	}
}

// Markers is an atomic create-if-absent store of lock markers per server.
type Markers struct {
	mutex   sync.Mutex
	markers map[string]string
}

func NewMarkers() *Markers {
	return &Markers{markers: map[string]string{}}
}

func (m *Markers) exec(server, op, path, owner string) remote.Result {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := server + ":" + path
	switch op {
	case lock.OpAcquire:
		if holder, ok := m.markers[key]; ok {
			return remote.Result{ReturnCode: lock.ContendedCode, Stderr: fmt.Sprintf("locked by %s\n", holder)}
		}
		m.markers[key] = owner
		return remote.Result{}
	case lock.OpRelease:
		delete(m.markers, key)
		return remote.Result{}
	default:
		return remote.Result{ReturnCode: 2, Stderr: fmt.Sprintf("unknown lock operation '%s'\n", op)}
	}
}

// Holder returns the owner of the marker at path on server.
func (m *Markers) Holder(server, path string) (string, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	owner, ok := m.markers[server+":"+path]
	return owner, ok
}

// Set creates a marker, as a previous invocation would have left it.
func (m *Markers) Set(server, path, owner string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.markers[server+":"+path] = owner
}
