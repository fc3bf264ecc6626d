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

package logrotate

import (
	"fmt"
	"os"
	"path/filepath"
)

// SupervisorLogDir returns log_dir/proctor[/...], the directory the
// supervisor's own stdout/stderr are rotated into.
func SupervisorLogDir(logDir string, parts ...string) string {
	return filepath.Join(append([]string{logDir, "proctor"}, parts...)...)
}

// BrokerLogDir returns log_dir/bureaucrat[/...], the directory the
// broker's own stdout/stderr are rotated into.
func BrokerLogDir(logDir string, parts ...string) string {
	return filepath.Join(append([]string{logDir, "bureaucrat"}, parts...)...)
}

// WorkerLogDir returns log_dir/workers[/...], the directory the
// shared worker standard pair is rotated into.
func WorkerLogDir(logDir string, parts ...string) string {
	return filepath.Join(append([]string{logDir, "workers"}, parts...)...)
}

// EnsureLogDirectories creates the proctor, bureaucrat, and workers
// subdirectories of logDir, failing loudly (to stderr) the way the
// historical implementation does rather than silently continuing
// with a missing directory.
func EnsureLogDirectories(logDir string) error {
	dirs := []string{
		SupervisorLogDir(logDir),
		BrokerLogDir(logDir),
		WorkerLogDir(logDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "logrotate: could not create %s: %s\n", d, err)
			return err
		}
	}
	return nil
}
