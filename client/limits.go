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

package client

import (
	"os"

	"github.com/nabbar/golib/ioutils/fileDescriptor"
)

// DefaultFDThreshold is the fraction of RLIMIT_NOFILE's soft limit
// at which a worker should consider itself too close to running out
// of descriptors and exit to be respawned cleanly.
const DefaultFDThreshold = 0.9

// NearFDLimit reports whether this process's open file descriptor
// count has crossed threshold times its soft RLIMIT_NOFILE. A
// worker that observes true should exit deliberately rather than
// wait for an open() to start failing mid-request.
func NearFDLimit(threshold float64) (bool, error) {
	soft, _, err := fileDescriptor.SystemFileDescriptor(0)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return false, err
	}
	if soft <= 0 {
		return false, nil
	}
	return float64(len(entries)) >= float64(soft)*threshold, nil
}
