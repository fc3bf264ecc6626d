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

// Command tectonic is the Launcher, Supervisor, and Broker in one
// binary, dispatching on a leading sub-command: the Launcher starts
// the Supervisor, and the Supervisor starts the Broker, by
// re-executing this same binary with the matching sub-command.
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	args := os.Args[1:]
	useSubCommand := len(args) > 0 && !strings.HasPrefix(args[0], "-")
	if !useSubCommand {
		runLauncher(args)
		return
	}
	subCommand := args[0]
	args = args[1:]
	switch subCommand {
	case "launcher":
		runLauncher(args)
	case "supervisor":
		runSupervisor(args)
	case "broker":
		runBroker(args)
	default:
		fmt.Fprintf(os.Stderr, "invalid sub-command %q\n", subCommand)
		os.Exit(1)
	}
}
