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

//go:build linux || netbsd || openbsd || solaris || freebsd || darwin || dragonfly
// +build linux netbsd openbsd solaris freebsd darwin dragonfly

// Package fdpass moves open file descriptors between processes over
// a unix(7) control socket using the SCM_RIGHTS ancillary-data
// mechanism. It is the transport the broker package uses to hand
// shared listeners, channel ends, and log fds to workers.
package fdpass

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Implemented reports whether descriptor passing is available on
// this platform; it is always true for the build-tagged platforms
// this file compiles on.
const Implemented = true

// scmBufSize must be large enough to hold a control message
// carrying the worker standard pair (two fds); one fd needs less,
// but sizing for the largest transfer keeps a single constant.
const scmBufSize = 64

type sysconn interface {
	SyscallConn() (syscall.RawConn, error)
}

// SocketPair returns a pair of connected, non-blocking unix sockets
// suitable for use as a control channel or a worker channel pair.
func SocketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, err
	}
	left, err := fd2unix(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	right, err := fd2unix(fds[1])
	if err != nil {
		left.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return left, right, nil
}

func fd2unix(fd int) (*net.UnixConn, error) {
	osf := os.NewFile(uintptr(fd), "")
	if osf == nil {
		return nil, fmt.Errorf("fdpass: bad file descriptor %d", fd)
	}
	defer osf.Close() // net.FileConn dups the fd
	fc, err := net.FileConn(osf)
	if err != nil {
		return nil, err
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		return nil, fmt.Errorf("fdpass: couldn't convert %T to net.UnixConn", fc)
	}
	return uc, nil
}

// rawFds resolves the kernel fd underlying every handle and invokes
// send with the full list, holding each handle's raw conn open
// (via nested Control calls) for exactly as long as sendmsg(2)
// needs it.
func rawFds(handles []*os.File, send func(fds []int) error) error {
	return rawFdsStep(handles, nil, send)
}

func rawFdsStep(remaining []*os.File, collected []int, send func(fds []int) error) error {
	if len(remaining) == 0 {
		return send(collected)
	}
	rc, err := remaining[0].SyscallConn()
	if err != nil {
		return err
	}
	var inner error
	err = rc.Control(func(fd uintptr) {
		inner = rawFdsStep(remaining[1:], append(collected, int(fd)), send)
	})
	if err != nil {
		return err
	}
	return inner
}

// WriteWithFile writes msg to dst with handle attached as an
// out-of-band control message carrying a single fd.
func WriteWithFile(dst *net.UnixConn, msg []byte, handle *os.File) (int, error) {
	return WriteWithFiles(dst, msg, []*os.File{handle})
}

// WriteWithFiles writes msg to dst with every file in handles
// attached, in order, as a single SCM_RIGHTS control message. This
// is what the broker uses to hand out the worker standard pair
// (stdout, stderr) in one transfer, matching the named two-fd
// description record.
func WriteWithFiles(dst *net.UnixConn, msg []byte, handles []*os.File) (int, error) {
	if len(handles) == 0 {
		return 0, fmt.Errorf("fdpass: no file handles to send")
	}
	var n int
	err := rawFds(handles, func(fds []int) error {
		oob := unix.UnixRights(fds...)
		var werr error
		n, _, werr = dst.WriteMsgUnix(msg, oob, nil)
		return werr
	})
	return n, err
}

// WriteWithConn sends the file descriptor associated with a
// net.Conn rather than an *os.File.
func WriteWithConn(dst *net.UnixConn, msg []byte, conn net.Conn) (int, error) {
	sc, ok := conn.(sysconn)
	if !ok {
		return 0, fmt.Errorf("fdpass: cannot write connection of type %T", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var reterr error
	err = rc.Control(func(fd uintptr) {
		oob := unix.UnixRights(int(fd))
		n, _, reterr = dst.WriteMsgUnix(msg, oob, nil)
	})
	if err != nil {
		return 0, err
	}
	return n, reterr
}

// ReadWithFiles reads data from src and, if it includes an
// out-of-band control message, turns it into one or more file
// handles, in the order the sender attached them.
func ReadWithFiles(src *net.UnixConn, dst []byte) (int, []*os.File, error) {
	oob := make([]byte, scmBufSize)
	n, oobn, _, _, err := src.ReadMsgUnix(dst, oob)
	if err != nil {
		return n, nil, err
	}
	oob = oob[:oobn]
	if len(oob) == 0 {
		return n, nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return n, nil, err
	}
	if len(scms) != 1 {
		return n, nil, fmt.Errorf("fdpass: %d socket control messages", len(scms))
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return n, nil, fmt.Errorf("fdpass: parsing unix rights: %w", err)
	}
	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		unix.SetNonblock(fd, true)
		files[i] = os.NewFile(uintptr(fd), "<fdpass>")
	}
	return n, files, nil
}

// ReadWithFile is the single-fd convenience wrapper around
// ReadWithFiles, used for listener and channel transfers.
func ReadWithFile(src *net.UnixConn, dst []byte) (int, *os.File, error) {
	n, files, err := ReadWithFiles(src, dst)
	if err != nil {
		return n, nil, err
	}
	if len(files) == 0 {
		return n, nil, nil
	}
	if len(files) > 1 {
		for _, f := range files {
			f.Close()
		}
		return n, nil, fmt.Errorf("fdpass: expected 1 fd, got %d", len(files))
	}
	return n, files[0], nil
}

// Fd returns the file descriptor underlying c, or -1 if c isn't
// backed by a real kernel fd. The returned value is informational
// only: it isn't valid for any longer than c stays open.
func Fd(c sysconn) int {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1
	}
	out := -1
	err = rc.Control(func(fd uintptr) {
		out = int(fd)
	})
	if err != nil {
		return -1
	}
	return out
}
