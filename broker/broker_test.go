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
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tectonic-sh/tectonic/fdpass"
	"github.com/tectonic-sh/tectonic/protocol"
)

func startTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "bureaucrat.sock")
	b := New(sockPath, filepath.Join(dir, "log"),
		WithLogger(log.New(io.Discard, "", 0)),
		WithRotateInterval(time.Hour),
		WithStdioBinding(false))
	if err := b.Bind(); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	go b.Listen()
	t.Cleanup(b.Shutdown)
	return b, sockPath
}

func dial(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	var conn *net.UnixConn
	var err error
	for i := 0; i < 50; i++ {
		var c net.Conn
		c, err = net.Dial("unix", path)
		if err == nil {
			conn = c.(*net.UnixConn)
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %s", path, err)
	return nil
}

func TestWantTCPListenerGrantsAndReusesListener(t *testing.T) {
	_, sockPath := startTestBroker(t)

	conn1 := dial(t, sockPath)
	defer conn1.Close()
	if err := protocol.WriteMessage(conn1, protocol.WantTCPListener{Host: "127.0.0.1", Port: 0, Listen: 16}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	env, err := protocol.ReadMessage(conn1)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	have, ok := env.Body.(protocol.HaveTCPListener)
	if !ok {
		t.Fatalf("unexpected response type %T", env.Body)
	}
	buf := make([]byte, 4096)
	_, f, err := fdpass.ReadWithFile(conn1, buf)
	if err != nil {
		t.Fatalf("ReadWithFile: %s", err)
	}
	if f == nil {
		t.Fatalf("expected a listener fd")
	}
	f.Close()

	conn2 := dial(t, sockPath)
	defer conn2.Close()
	if err := protocol.WriteMessage(conn2, protocol.WantTCPListener{Host: "127.0.0.1", Port: have.Port, Listen: 16}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	env2, err := protocol.ReadMessage(conn2)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	have2, ok := env2.Body.(protocol.HaveTCPListener)
	if !ok {
		t.Fatalf("unexpected response type %T", env2.Body)
	}
	if have2.Port != have.Port {
		t.Fatalf("second request got a different port: %d != %d", have2.Port, have.Port)
	}
}

func TestWantChannelPairsUpBothParties(t *testing.T) {
	_, sockPath := startTestBroker(t)

	connA := dial(t, sockPath)
	defer connA.Close()
	if err := protocol.WriteMessage(connA, protocol.WantChannel{Identity: "thing1", Partner: "thing2"}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	envA, err := protocol.ReadMessage(connA)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	if _, ok := envA.Body.(protocol.HaveChannel); !ok {
		t.Fatalf("unexpected response type %T", envA.Body)
	}
	bufA := make([]byte, 4096)
	_, fA, err := fdpass.ReadWithFile(connA, bufA)
	if err != nil {
		t.Fatalf("ReadWithFile: %s", err)
	}
	defer fA.Close()

	connB := dial(t, sockPath)
	defer connB.Close()
	if err := protocol.WriteMessage(connB, protocol.WantChannel{Identity: "thing2", Partner: "thing1"}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	envB, err := protocol.ReadMessage(connB)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	if _, ok := envB.Body.(protocol.HaveChannel); !ok {
		t.Fatalf("unexpected response type %T", envB.Body)
	}
	bufB := make([]byte, 4096)
	_, fB, err := fdpass.ReadWithFile(connB, bufB)
	if err != nil {
		t.Fatalf("ReadWithFile: %s", err)
	}
	defer fB.Close()

	connFA, err := net.FileConn(fA)
	if err != nil {
		t.Fatalf("FileConn: %s", err)
	}
	defer connFA.Close()
	connFB, err := net.FileConn(fB)
	if err != nil {
		t.Fatalf("FileConn: %s", err)
	}
	defer connFB.Close()

	msg := []byte("hello from thing1")
	if _, err := connFA.Write(msg); err != nil {
		t.Fatalf("Write: %s", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(connFB, got); err != nil {
		t.Fatalf("ReadFull: %s", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestWantWorkerStandardPairHandsOutLiveFds(t *testing.T) {
	_, sockPath := startTestBroker(t)

	conn := dial(t, sockPath)
	defer conn.Close()
	if err := protocol.WriteMessage(conn, protocol.WantWorkerStandardPair{}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	env, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	if _, ok := env.Body.(protocol.HaveWorkerStandardPair); !ok {
		t.Fatalf("unexpected response type %T", env.Body)
	}
	buf := make([]byte, 4096)
	_, files, err := fdpass.ReadWithFiles(conn, buf)
	if err != nil {
		t.Fatalf("ReadWithFiles: %s", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d fds, want 2", len(files))
	}
	for _, f := range files {
		f.Close()
	}
}

func TestStatusReportsListenersAndChannels(t *testing.T) {
	b, sockPath := startTestBroker(t)

	conn := dial(t, sockPath)
	defer conn.Close()
	if err := protocol.WriteMessage(conn, protocol.WantTCPListener{Host: "127.0.0.1", Port: 0, Listen: 16}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	if _, err := protocol.ReadMessage(conn); err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	buf := make([]byte, 4096)
	_, f, err := fdpass.ReadWithFile(conn, buf)
	if err != nil {
		t.Fatalf("ReadWithFile: %s", err)
	}
	f.Close()

	connA := dial(t, sockPath)
	defer connA.Close()
	if err := protocol.WriteMessage(connA, protocol.WantChannel{Identity: "thing1", Partner: "thing2"}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	if _, err := protocol.ReadMessage(connA); err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	_, fA, err := fdpass.ReadWithFile(connA, buf)
	if err != nil {
		t.Fatalf("ReadWithFile: %s", err)
	}
	fA.Close()

	listeners, channels := b.Status()
	if len(listeners) != 1 {
		t.Fatalf("got %d listeners, want 1", len(listeners))
	}
	if len(channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(channels))
	}
}

func TestWantTCPListenerFailsOnUnroutableHost(t *testing.T) {
	_, sockPath := startTestBroker(t)

	conn := dial(t, sockPath)
	defer conn.Close()
	if err := protocol.WriteMessage(conn, protocol.WantTCPListener{Host: "256.256.256.256", Port: 9, Listen: 16}, os.Getpid()); err != nil {
		t.Fatalf("WriteMessage: %s", err)
	}
	env, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	if _, ok := env.Body.(protocol.Failure); !ok {
		t.Fatalf("unexpected response type %T, want Failure", env.Body)
	}
}
