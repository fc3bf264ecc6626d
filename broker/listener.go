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

package broker

import (
	"context"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tectonic-sh/tectonic/fdpass"
	"github.com/tectonic-sh/tectonic/protocol"
)

// listenerKey identifies a shared listener. Two requests with the
// same key get handed the same underlying listener: this is the
// mechanism that lets independently-started workers converge on one
// shared TCP port.
type listenerKey struct {
	Host   string
	Port   int
	Listen int
}

func (b *Broker) handleWantTCPListener(conn *net.UnixConn, req protocol.WantTCPListener) {
	key := listenerKey{Host: req.Host, Port: req.Port, Listen: req.Listen}

	b.mu.Lock()
	ln, ok := b.listeners[key]
	if !ok {
		var err error
		ln, err = listenReuseAddr(req.Host, req.Port)
		if err != nil {
			b.mu.Unlock()
			b.fail(conn, req, err)
			return
		}
		b.listeners[key] = ln
	}
	b.mu.Unlock()

	f, err := ln.File()
	if err != nil {
		b.fail(conn, req, err)
		return
	}
	defer f.Close()

	port := req.Port
	if port == 0 {
		port = ln.Addr().(*net.TCPAddr).Port
	}
	if err := protocol.WriteMessage(conn, protocol.HaveTCPListener{Host: req.Host, Port: port}, os.Getpid()); err != nil {
		b.logger.Printf("HaveTCPListener response: %s", err)
		return
	}
	desc, err := protocol.EncodeDescription([]string{"listener"}, []int{int(f.Fd())})
	if err != nil {
		b.logger.Printf("encoding description: %s", err)
		return
	}
	if _, err := fdpass.WriteWithFile(conn, desc, f); err != nil {
		b.logger.Printf("transferring listener fd: %s", err)
	}
}

// listenReuseAddr opens a TCP listener with SO_REUSEADDR set so
// that a broker restart doesn't fail to rebind a recently-released
// port. The net package does not expose a way to set the listen(2)
// backlog directly; req.Listen is kept as part of the lookup key
// only, so repeated requests with a distinct backlog value are
// treated as distinct listeners even though the kernel backlog
// itself tracks whatever net.ListenConfig chooses.
func listenReuseAddr(host string, port int) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}
