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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tectonic-sh/tectonic/launcher"
)

// runLauncher starts the tree as a detached daemon and blocks until
// the broker is confirmed reachable or a timeout expires, or runs
// --kill mode against a running tree's process-group file.
func runLauncher(args []string) {
	fs := flag.NewFlagSet("tectonic", flag.ExitOnError)
	logDir := fs.String("log-dir", "logs", "directory for rotated log files")
	timeout := fs.Duration("timeout", launcher.DefaultTimeout, "how long to wait for successful startup")
	pgroupFile := fs.String("pgroupfile", "tectonic.pgroup", "process group id file")
	kill := fs.Bool("kill", false, "kill a running tree named by --pgroupfile and exit")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *kill {
		os.Exit(launcher.Kill(*pgroupFile))
	}

	workerArgs := fs.Args()
	if len(workerArgs) == 0 {
		fmt.Fprintln(os.Stderr, "tectonic: no worker command given")
		os.Exit(1)
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tectonic: determining own executable: %s\n", err)
		os.Exit(1)
	}

	cfg := launcher.Config{
		LogDir:         *logDir,
		PgroupFile:     *pgroupFile,
		Timeout:        *timeout,
		SupervisorArgs: append([]string{exe, "supervisor", "--log-dir", *logDir}, workerArgs...),
	}
	os.Exit(launcher.Run(cfg))
}
