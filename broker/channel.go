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
	"github.com/tectonic-sh/tectonic/internal/ident"
	"github.com/tectonic-sh/tectonic/protocol"
)

// channelPair holds both ends of a socketpair(2) channel, one per
// named party. Whichever of the two parties asks first gets a
// freshly created pair; whichever asks second is handed the other
// end of the same pair.
type channelPair struct {
	ends map[string]*net.UnixConn
}

func (b *Broker) handleWantChannel(conn *net.UnixConn, req protocol.WantChannel) {
	key := ident.PairKey(req.Identity, req.Partner)

	b.mu.Lock()
	pair, ok := b.channels[key]
	if !ok {
		left, right, err := fdpass.SocketPair()
		if err != nil {
			b.mu.Unlock()
			b.fail(conn, req, err)
			return
		}
		pair = &channelPair{ends: map[string]*net.UnixConn{
			req.Identity: left,
			req.Partner:  right,
		}}
		b.channels[key] = pair
	}
	end, belongs := pair.ends[req.Identity]
	b.mu.Unlock()

	if !belongs {
		b.fail(conn, req, fmt.Errorf("broker: %q is not a party to the %q/%q channel", req.Identity, req.Identity, req.Partner))
		return
	}

	f, err := end.File()
	if err != nil {
		b.fail(conn, req, err)
		return
	}
	defer f.Close()

	if err := protocol.WriteMessage(conn, protocol.HaveChannel{Identity: req.Identity, Partner: req.Partner}, os.Getpid()); err != nil {
		b.logger.Printf("HaveChannel response: %s", err)
		return
	}
	desc, err := protocol.EncodeDescription([]string{"channel"}, []int{int(f.Fd())})
	if err != nil {
		b.logger.Printf("encoding description: %s", err)
		return
	}
	if _, err := fdpass.WriteWithFile(conn, desc, f); err != nil {
		b.logger.Printf("transferring channel fd: %s", err)
	}
}
