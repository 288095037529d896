// Copyright 2018 The containerd Authors.
// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package process spawns a task's shell command and reaps it once it
// exits, using containerd/go-runc's Monitor the way the teacher's
// runsccmd.go does: Start begins the command and hands back a
// per-command exit channel, and a dedicated goroutine blocks in Wait
// until that channel delivers the exit, then surfaces it non-blockingly
// to the handler's single poll loop.
package process

import (
	"fmt"
	"os"
	"os/exec"

	runc "github.com/containerd/go-runc"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// ProcessMonitor is a subset of runc.ProcessMonitor, redeclared locally
// (as the teacher's pkg/shim/v1/runsccmd does for the same package) so
// this file keeps compiling even if containerd/go-runc grows interface
// methods we don't use.
type ProcessMonitor interface {
	Start(cmd *exec.Cmd) (chan runc.Exit, error)
	Wait(cmd *exec.Cmd, ch chan runc.Exit) (int, error)
}

// logMonitor wraps the package reaper, logging spawn/exit — adapted from
// the teacher's LogMonitor, which wraps runc.Monitor for the same reason:
// one place to see what the daemon launched and how it ended.
type logMonitor struct {
	next ProcessMonitor
}

func (l *logMonitor) Start(cmd *exec.Cmd) (chan runc.Exit, error) {
	ch, err := l.next.Start(cmd)
	if err == nil {
		log.L.Debugf("process: started pid %d: %v", cmd.Process.Pid, cmd.Args)
	}
	return ch, err
}

func (l *logMonitor) Wait(cmd *exec.Cmd, ch chan runc.Exit) (int, error) {
	status, err := l.next.Wait(cmd, ch)
	log.L.Debugf("process: pid %d exited, status %d, err %v", cmd.Process.Pid, status, err)
	return status, err
}

// monitor is the default process monitor used by this package. Its
// default implementation (runc.Monitor) reaps each command through its
// own per-command cmd.Wait() goroutine, exactly like the teacher's
// runsccmd.go; there is no global SIGCHLD reaper in go-runc to install.
var monitor ProcessMonitor = &logMonitor{next: runc.Monitor}

// Handle is a live child process owned by exactly one task. It is
// private to the TaskHandler's child table; never shared.
type Handle struct {
	PID    int
	cmd    *exec.Cmd
	done   chan runc.Exit
	stdout *os.File
	stderr *os.File
}

// Spawn runs "sh -c <commandLine>" with dir as its working directory and
// stdout/stderr redirected to the given (already-opened) files. The
// daemon's environment is passed through unchanged (cmd.Env left nil).
// The child is placed in its own process group so the shell-transparency
// classification in procctl always sees a stable, independent PID tree.
//
// A dedicated goroutine blocks in monitor.Wait for this one command's
// exit and deposits it into a buffered channel of size 1, so TryWait can
// poll for it without ever blocking the handler's single loop.
func Spawn(commandLine, dir string, stdout, stderr *os.File) (*Handle, error) {
	cmd := exec.Command("sh", "-c", commandLine)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	exitCh, err := monitor.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("process: starting command: %w", err)
	}

	h := &Handle{
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		done:   make(chan runc.Exit, 1),
		stdout: stdout,
		stderr: stderr,
	}

	go func() {
		status, waitErr := monitor.Wait(cmd, exitCh)
		if waitErr != nil {
			log.L.Warnf("process: waiting for pid %d: %v", h.PID, waitErr)
		}
		h.done <- runc.Exit{Pid: h.PID, Status: status}
	}()

	return h, nil
}

// TryWait performs a non-blocking check for this handle's exit. The
// blocking wait for the underlying process already happens on its own
// goroutine started by Spawn; this only checks whether that goroutine
// has deposited a result yet.
func (h *Handle) TryWait() (status runc.Exit, ok bool) {
	select {
	case e := <-h.done:
		return e, true
	default:
		return runc.Exit{}, false
	}
}

// Close releases the handle's log file descriptors. It does not touch
// the underlying OS process; use procctl to signal it first.
func (h *Handle) Close() {
	if h.stdout != nil {
		h.stdout.Close()
	}
	if h.stderr != nil {
		h.stderr.Close()
	}
}
