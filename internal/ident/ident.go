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

// Package ident provides deterministic, order-independent keys for
// symmetric pairs of worker names, used by the broker to key its
// channel-pair table.
package ident

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/dchest/siphash"
)

// fixed keys for the pair hash; these only need to disperse bits
// evenly across workers, not resist a hostile adversary.
const (
	k0 = 0xb4a2c17e5d6f9103
	k1 = 0x1f0edc4897a6b532
)

// PairKey returns a stable key for the unordered pair {a, b}: the
// same key regardless of which name is passed first. Hashing the
// sorted pair (rather than just joining the sorted strings) spreads
// similarly-named worker pairs across the keyspace evenly.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	buf := make([]byte, 0, len(a)+len(b)+1)
	buf = append(buf, a...)
	buf = append(buf, 0)
	buf = append(buf, b...)
	lo, hi := siphash.Hash128(k0, k1, buf)
	mem := make([]byte, 0, 16)
	mem = binary.LittleEndian.AppendUint64(mem, lo)
	mem = binary.LittleEndian.AppendUint64(mem, hi)
	return base64.URLEncoding.EncodeToString(mem)
}
