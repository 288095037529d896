// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemonize re-execs the running binary into the background so
// "pueued run -daemonize" can detach from its invoking shell. It does not
// attempt session leadership or controlling-terminal detachment; it is
// deliberately the same cheap re-exec the original daemon used.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
)

// Fork spawns a copy of the currently running binary as "run", with
// configPath forwarded via --config (omitted if empty) and verbosity
// forwarded as -v=<verbosity> (omitted if zero), then returns immediately
// without waiting: the child is left to run detached, inheriting no pipe
// back to this process.
func Fork(configPath string, verbosity int) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: locating own executable: %w", err)
	}

	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if verbosity > 0 {
		args = append(args, fmt.Sprintf("-v=%d", verbosity))
	}

	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: spawning background instance: %w", err)
	}

	fmt.Println("pueued is now running in the background")
	return nil
}
