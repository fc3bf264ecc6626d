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

// Package client is the worker-side library for talking to the
// broker: obtaining shared TCP listeners, channel sockets, and the
// rotating worker standard pair.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/tectonic-sh/tectonic/fdpass"
	"github.com/tectonic-sh/tectonic/protocol"
)

// DefaultPath is the control socket path used when none is given.
const DefaultPath = "bureaucrat.sock"

// SockPathEnv names the environment variable the Supervisor sets on
// every worker it spawns, carrying the broker's control socket
// path. A worker with no explicit path wired in (such as a demo
// worker started straight off the Supervisor's command line) reads
// this to find the broker.
const SockPathEnv = "BUREAUCRAT_PATH"

// WaitReady blocks until path exists and is a unix socket, or
// timeout elapses.
func WaitReady(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		fi, err := os.Stat(path)
		if err == nil && fi.Mode()&os.ModeSocket != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("client: %s not ready after %s", path, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func dial(path string) (*net.UnixConn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return c.(*net.UnixConn), nil
}

// asFailure turns a connection that closed before responding into
// the same error a Failure response would produce, per the closed-
// without-Have convention.
func asFailure(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("client: broker closed the connection without responding")
	}
	return err
}

// RequestTCPListener asks the broker for a shared, bound, listening
// TCP socket at host:port. It returns the socket's fd and the
// actual bound port (useful when port is 0).
func RequestTCPListener(path, host string, port, listen int) (*os.File, int, error) {
	conn, err := dial(path)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.WantTCPListener{Host: host, Port: port, Listen: listen}, os.Getpid()); err != nil {
		return nil, 0, err
	}
	env, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, 0, asFailure(err)
	}
	switch body := env.Body.(type) {
	case protocol.HaveTCPListener:
		if body.Host != host {
			return nil, 0, fmt.Errorf("client: broker responded with host %q, want %q", body.Host, host)
		}
		buf := make([]byte, 4096)
		_, f, err := fdpass.ReadWithFile(conn, buf)
		if err != nil {
			return nil, 0, err
		}
		if f == nil {
			return nil, 0, fmt.Errorf("client: broker sent no listener fd")
		}
		return f, body.Port, nil
	case protocol.Failure:
		return nil, 0, fmt.Errorf("client: broker refused WantTCPListener: %v", body.RequestMessage)
	default:
		return nil, 0, fmt.Errorf("client: unexpected response type %T", env.Body)
	}
}

// RequestChannel asks the broker for this identity's end of the
// {identity, partner} channel pair.
func RequestChannel(path, identity, partner string) (*os.File, error) {
	conn, err := dial(path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.WantChannel{Identity: identity, Partner: partner}, os.Getpid()); err != nil {
		return nil, err
	}
	env, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, asFailure(err)
	}
	switch body := env.Body.(type) {
	case protocol.HaveChannel:
		if body.Identity != identity || body.Partner != partner {
			return nil, fmt.Errorf("client: broker responded with mismatched channel identity/partner")
		}
		buf := make([]byte, 4096)
		_, f, err := fdpass.ReadWithFile(conn, buf)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, fmt.Errorf("client: broker sent no channel fd")
		}
		return f, nil
	case protocol.Failure:
		return nil, fmt.Errorf("client: broker refused WantChannel: %v", body.RequestMessage)
	default:
		return nil, fmt.Errorf("client: unexpected response type %T", env.Body)
	}
}

// RequestWorkerStdPair asks the broker for the current stdout and
// stderr log fds shared across all workers.
func RequestWorkerStdPair(path string) (stdout, stderr *os.File, err error) {
	conn, err := dial(path)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.WantWorkerStandardPair{}, os.Getpid()); err != nil {
		return nil, nil, err
	}
	env, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, nil, asFailure(err)
	}
	switch body := env.Body.(type) {
	case protocol.HaveWorkerStandardPair:
		buf := make([]byte, 4096)
		_, files, err := fdpass.ReadWithFiles(conn, buf)
		if err != nil {
			return nil, nil, err
		}
		if len(files) != 2 {
			for _, f := range files {
				f.Close()
			}
			return nil, nil, fmt.Errorf("client: broker sent %d fds, want 2", len(files))
		}
		return files[0], files[1], nil
	case protocol.Failure:
		return nil, nil, fmt.Errorf("client: broker refused WantWorkerStandardPair: %v", body.RequestMessage)
	default:
		return nil, nil, fmt.Errorf("client: unexpected response type %T", env.Body)
	}
}
