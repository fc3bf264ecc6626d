// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package broker implements the bureaucrat: the single long-running
// process that owns shared TCP listeners, worker-to-worker channel
// sockets, and the worker standard (stdout/stderr) log pair, and
// hands out duplicated descriptors to workers that ask for them
// over a unix(7) control socket.
package broker

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tectonic-sh/tectonic/logrotate"
	"github.com/tectonic-sh/tectonic/protocol"
)

// DefaultPath is the control socket path used when none is given,
// matching the historical default.
const DefaultPath = "bureaucrat.sock"

// DefaultRotateInterval is how often the rotation worker checks the
// worker standard pair's size, absent jitter.
const DefaultRotateInterval = time.Second

// Broker accepts requests over a unix-domain listening socket and
// brokers shared kernel resources to workers.
type Broker struct {
	Path           string
	LogDir         string
	RotateInterval time.Duration

	logger      *log.Logger
	bindOwnLogs bool

	mu        sync.Mutex
	listeners map[listenerKey]*net.TCPListener
	channels  map[string]*channelPair

	stdPair *logrotate.StandardPair
	ownPair *logrotate.StandardPair

	sock         *net.UnixListener
	stop         chan struct{}
	stopRotation chan struct{}
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithRotateInterval overrides DefaultRotateInterval.
func WithRotateInterval(d time.Duration) Option {
	return func(b *Broker) { b.RotateInterval = d }
}

// WithStdioBinding controls whether setupOwnLogs dup2's the rotated
// bureaucrat log files onto this process's own fd 1 and fd 2. It
// defaults to true; tests running in-process (sharing fd 1/2 with
// the test binary itself) should pass false.
func WithStdioBinding(bind bool) Option {
	return func(b *Broker) { b.bindOwnLogs = bind }
}

// New constructs a Broker bound to path, rotating worker logs under
// logDir.
func New(path, logDir string, opts ...Option) *Broker {
	b := &Broker{
		Path:           path,
		LogDir:         logDir,
		RotateInterval: DefaultRotateInterval,
		logger:         log.New(os.Stderr, "", log.Lshortfile),
		bindOwnLogs:    true,
		listeners:      make(map[listenerKey]*net.TCPListener),
		channels:       make(map[string]*channelPair),
		stop:           make(chan struct{}),
		stopRotation:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind creates the control socket, removing any stale socket file
// left over from a previous run.
func (b *Broker) Bind() error {
	os.Remove(b.Path)
	ln, err := net.Listen("unix", b.Path)
	if err != nil {
		return err
	}
	b.sock = ln.(*net.UnixListener)
	return nil
}

func (b *Broker) setupWorkerLogs() error {
	dir := logrotate.WorkerLogDir(b.LogDir)
	pair, err := logrotate.NewStandardPair(dir, false)
	if err != nil {
		return err
	}
	b.stdPair = pair
	return nil
}

// setupOwnLogs opens the broker's own rotating stdout/stderr pair
// and binds it onto fd 1 and fd 2 of this process via dup2. Once
// this returns, anything written to os.Stdout/os.Stderr -- including
// b.logger's own output -- lands in logs/bureaucrat/{stdout,stderr}
// and survives rotation, since the dup2 happens in this process
// rather than in a parent that started it.
func (b *Broker) setupOwnLogs() error {
	dir := logrotate.BrokerLogDir(b.LogDir)
	pair, err := logrotate.NewStandardPair(dir, b.bindOwnLogs)
	if err != nil {
		return err
	}
	b.ownPair = pair
	return nil
}

// Listen ensures the log directories exist, binds its own and the
// worker standard pair's rotating log files, binds the control
// socket if it isn't already bound, starts the rotation workers, and
// serves requests until Shutdown is called.
func (b *Broker) Listen() error {
	if err := logrotate.EnsureLogDirectories(b.LogDir); err != nil {
		return err
	}
	if err := b.setupOwnLogs(); err != nil {
		return err
	}
	if err := b.setupWorkerLogs(); err != nil {
		return err
	}
	if b.sock == nil {
		if err := b.Bind(); err != nil {
			return err
		}
	}
	go b.ownPair.Monitor(b.RotateInterval, b.logger, b.stopRotation)
	go b.stdPair.Monitor(b.RotateInterval, b.logger, b.stopRotation)
	for {
		conn, err := b.sock.Accept()
		if err != nil {
			select {
			case <-b.stop:
				return nil
			default:
			}
			return err
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		b.handle(uc)
	}
}

// Shutdown stops the accept loop and the rotation worker and
// unlinks the control socket.
func (b *Broker) Shutdown() {
	close(b.stop)
	close(b.stopRotation)
	if b.sock != nil {
		b.sock.Close()
	}
	os.Remove(b.Path)
}

// handle processes exactly one request on conn: read, dispatch,
// respond, transfer descriptors, close. Malformed or unrecognized
// requests are logged and the connection is dropped without
// affecting any other state, matching the historical
// one-bad-client-doesn't-bring-down-the-broker behavior.
func (b *Broker) handle(conn *net.UnixConn) {
	id := uuid.New().String()[:8]
	defer conn.Close()
	env, err := protocol.ReadMessage(conn)
	if err != nil {
		b.logger.Printf("[%s] bad request: %s", id, err)
		return
	}
	switch req := env.Body.(type) {
	case protocol.WantTCPListener:
		b.logger.Printf("[%s] WantTCPListener %s:%d", id, req.Host, req.Port)
		b.handleWantTCPListener(conn, req)
	case protocol.WantChannel:
		b.logger.Printf("[%s] WantChannel %s/%s", id, req.Identity, req.Partner)
		b.handleWantChannel(conn, req)
	case protocol.WantWorkerStandardPair:
		b.logger.Printf("[%s] WantWorkerStandardPair", id)
		b.handleWantWorkerStandardPair(conn, req)
	default:
		b.logger.Printf("[%s] unexpected request tag %q", id, env.Name)
	}
}

// Status returns a deterministically ordered snapshot of every
// listener triple and channel pair currently held open, for logging
// and tests; map iteration order is otherwise unspecified, so
// listener/channel tables are sorted before being reported.
func (b *Broker) Status() (listeners []string, channels []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.listeners {
		listeners = append(listeners, fmt.Sprintf("%s:%d/%d", k.Host, k.Port, k.Listen))
	}
	slices.Sort(listeners)
	channels = maps.Keys(b.channels)
	slices.Sort(channels)
	return listeners, channels
}

// fail sends a Failure response carrying the original request's
// fields, then lets the caller close the connection. No descriptor
// follows a Failure response.
func (b *Broker) fail(conn *net.UnixConn, req interface{}, cause error) {
	fields, err := protocol.Describe(req)
	if err != nil {
		fields = map[string]interface{}{}
	}
	b.logger.Printf("request failed: %s", cause)
	if err := protocol.WriteMessage(conn, protocol.Failure{RequestMessage: fields}, os.Getpid()); err != nil {
		b.logger.Printf("sending Failure: %s", err)
	}
}
