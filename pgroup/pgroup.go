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

// Package pgroup reads and writes the process-group-id file the
// Launcher leaves behind, and implements the Launcher's --kill mode
// against it.
package pgroup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// PollInterval is the delay between liveness probes while waiting
// for a SIGTERM'd group to exit.
var PollInterval = time.Second

// PollAttempts bounds how many times Kill polls after SIGTERM
// before escalating to SIGKILL.
var PollAttempts = 5

// Write records pgid in the file at path as an ASCII decimal
// number, the format the Launcher's children read back later.
func Write(path string, pgid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pgid)), 0644)
}

// Read parses the process-group id out of the file at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pgid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pgroup: malformed pgroup file %s: %w", path, err)
	}
	return pgid, nil
}

func alive(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}

// Kill implements the Launcher's --kill mode: it reads the
// process-group id from path, probes it, sends SIGTERM, polls for
// disappearance, escalates to SIGKILL, and reports residual
// processes if the group still hasn't died. On a fully successful
// kill it removes the pgroup file.
func Kill(path string) error {
	pgid, err := Read(path)
	if err != nil {
		return err
	}
	if !alive(pgid) {
		return os.Remove(path)
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return fmt.Errorf("pgroup: sending SIGTERM to group %d: %w", pgid, err)
	}
	for i := 0; i < PollAttempts; i++ {
		time.Sleep(PollInterval)
		if !alive(pgid) {
			return os.Remove(path)
		}
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		return fmt.Errorf("pgroup: sending SIGKILL to group %d: %w", pgid, err)
	}
	time.Sleep(PollInterval)
	if alive(pgid) {
		return fmt.Errorf("pgroup: group %d is sleeping uninterruptibly and could not be killed", pgid)
	}
	return os.Remove(path)
}
