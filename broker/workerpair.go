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
	"fmt"
	"net"
	"os"

	"github.com/tectonic-sh/tectonic/fdpass"
	"github.com/tectonic-sh/tectonic/protocol"
)

// handleWantWorkerStandardPair hands out the current stdout/stderr
// fds of the broker's rotating worker log pair. Current is used
// rather than reading a cached value so a concurrent rotation never
// races a caller into getting a half-rotated fd.
func (b *Broker) handleWantWorkerStandardPair(conn *net.UnixConn, req protocol.WantWorkerStandardPair) {
	stdout := b.stdPair.Stdout.Current()
	stderr := b.stdPair.Stderr.Current()
	if stdout == nil || stderr == nil {
		b.fail(conn, req, fmt.Errorf("broker: worker standard pair is not ready yet"))
		return
	}

	if err := protocol.WriteMessage(conn, protocol.HaveWorkerStandardPair{}, os.Getpid()); err != nil {
		b.logger.Printf("HaveWorkerStandardPair response: %s", err)
		return
	}
	desc, err := protocol.EncodeDescription([]string{"stdout", "stderr"}, []int{int(stdout.Fd()), int(stderr.Fd())})
	if err != nil {
		b.logger.Printf("encoding description: %s", err)
		return
	}
	if _, err := fdpass.WriteWithFiles(conn, desc, []*os.File{stdout, stderr}); err != nil {
		b.logger.Printf("transferring worker standard pair: %s", err)
	}
}
