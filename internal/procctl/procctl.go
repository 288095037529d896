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

// Package procctl delivers signals to the right set of PIDs for a task
// spawned through a POSIX shell, hiding the shell-transparency pitfall:
// "sh -c <cmd>" sometimes keeps sh alive as a parent, and sometimes execs
// straight into <cmd>, and the two cases need different signal fan-out.
package procctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// ErrProcessGone is returned (never wrapped as fatal) when a signal or
// classification attempt targets a PID that has already exited. Callers
// must treat this as success of intent, not an error.
var ErrProcessGone = errors.New("procctl: process is gone")

// Classification describes whether a task's root process is still the
// shell that spawned it, or whether the shell exec'd straight into the
// user's command.
type Classification int

const (
	// Direct means the root PID is the user's command; there is no
	// intermediate shell process.
	Direct Classification = iota
	// Wrapped means the root PID is still "sh -c <cmd>"; its children are
	// not signaled by signaling the root.
	Wrapped
)

func (c Classification) String() string {
	if c == Wrapped {
		return "wrapped"
	}
	return "direct"
}

// Action is one of the three signals the daemon ever sends to a task.
type Action int

const (
	Pause Action = iota
	Resume
	Kill
)

func (a Action) signal() unix.Signal {
	switch a {
	case Pause:
		return unix.SIGSTOP
	case Resume:
		return unix.SIGCONT
	case Kill:
		return unix.SIGKILL
	default:
		panic(fmt.Sprintf("procctl: unknown action %d", a))
	}
}

// Classify reads /proc/<pid>/cmdline and reports whether pid is still the
// "sh -c" wrapper or has become (or always was) the direct command.
//
// A process is Wrapped iff its cmdline begins with exactly the tokens
// "sh", "-c", then at least one more token.
func Classify(pid int) (Classification, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return Direct, ErrProcessGone
		}
		return Direct, err
	}
	// /proc cmdline entries are NUL-separated, with a trailing NUL.
	toks := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	if len(toks) < 3 {
		return Direct, nil
	}
	if toks[0] != "sh" || toks[1] != "-c" {
		return Direct, nil
	}
	return Wrapped, nil
}

// Children does a single pass over the process table, returning every PID
// whose parent is ppid. The result is a best-effort snapshot: processes
// may exit between enumeration and any later use of the list, which is
// exactly why signal delivery treats a missing PID as success, not error.
func Children(ppid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var kids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue // not a PID directory
		}
		stat, err := readStat(pid)
		if err != nil {
			continue // process exited mid-scan, or unreadable; skip it
		}
		if stat.ppid == ppid {
			kids = append(kids, pid)
		}
	}
	return kids, nil
}

type procStat struct {
	ppid int
}

// readStat parses just enough of /proc/<pid>/stat to get PPid (field 4).
// The second field, comm, is parenthesized and may itself contain spaces
// or parens, so we split on the last ')' rather than naively tokenizing.
func readStat(pid int) (procStat, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	s := string(raw)
	paren := strings.LastIndexByte(s, ')')
	if paren < 0 || paren+2 >= len(s) {
		return procStat{}, fmt.Errorf("procctl: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[paren+2:])
	// fields[0] is state, fields[1] is ppid (stat fields 3 and 4).
	if len(fields) < 2 {
		return procStat{}, fmt.Errorf("procctl: short stat for pid %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return procStat{}, err
	}
	return procStat{ppid: ppid}, nil
}

// Signal delivers sig to pid, translating "no such process" into
// ErrProcessGone so callers can treat it as success of intent.
func Signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessGone
		}
		return err
	}
	return nil
}

// alive reports whether pid still exists, using signal 0 which performs
// no actual signaling, only the existence/permission check.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}

// Dispatch delivers action to root's process tree per the signal
// fan-out contract:
//
//	              descendants=false                 descendants=true
//	Direct        signal -> root                     signal -> root; signal -> each child of root
//	Wrapped       signal -> root; -> each child       signal -> root; -> each child; -> each grandchild
//
// target-gone for any individual PID is swallowed (logged at info), and
// any other signal failure is logged at warn and not returned; only a
// failure to classify root is returned.
func Dispatch(root int, action Action, descendants bool) error {
	class, err := Classify(root)
	if err != nil && !errors.Is(err, ErrProcessGone) {
		return err
	}

	sig := action.signal()
	targets := []int{root}

	switch class {
	case Wrapped:
		kids, err := Children(root)
		if err != nil {
			log.L.Warnf("procctl: enumerating children of %d: %v", root, err)
		}
		if descendants {
			for _, k := range kids {
				grandkids, err := Children(k)
				if err != nil {
					log.L.Warnf("procctl: enumerating children of %d: %v", k, err)
				}
				targets = append(targets, grandkids...)
			}
		}
		targets = append(targets, kids...)
	case Direct:
		if descendants {
			kids, err := Children(root)
			if err != nil {
				log.L.Warnf("procctl: enumerating children of %d: %v", root, err)
			}
			targets = append(targets, kids...)
		}
	}

	for _, pid := range targets {
		if err := signalLogged(pid, sig); err != nil {
			return err
		}
	}
	return nil
}

// ForceKill kills root's whole tree with SIGKILL. The descendant set is
// captured before root is killed: once root exits, the process table's
// parentage for its (former) children is gone, so the snapshot must be
// taken first even though root itself is signaled first.
func ForceKill(root int, descendants bool) error {
	class, err := Classify(root)
	if err != nil && !errors.Is(err, ErrProcessGone) {
		return err
	}

	var descendantPIDs []int
	switch class {
	case Wrapped:
		kids, _ := Children(root)
		if descendants {
			for _, k := range kids {
				grandkids, _ := Children(k)
				descendantPIDs = append(descendantPIDs, grandkids...)
			}
		}
		descendantPIDs = append(descendantPIDs, kids...)
	case Direct:
		if descendants {
			kids, _ := Children(root)
			descendantPIDs = append(descendantPIDs, kids...)
		}
	}

	if err := signalLogged(root, unix.SIGKILL); err != nil {
		return err
	}
	for _, pid := range descendantPIDs {
		if err := signalLogged(pid, unix.SIGKILL); err != nil {
			return err
		}
	}
	return nil
}

func signalLogged(pid int, sig unix.Signal) error {
	err := Signal(pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProcessGone):
		log.L.Infof("procctl: pid %d already gone, signal %d treated as delivered", pid, sig)
		return nil
	default:
		log.L.Warnf("procctl: failed to signal pid %d with %d: %v", pid, sig, err)
		return nil // signal-other-failure is logged, never fatal to the caller
	}
}

// sweepLimiter bounds how often ConfirmKilled is allowed to re-scan the
// process table. containerd (like containerd's runsc shim callers) issues
// a "kill --all" sweep more than once to catch processes that forked in
// the narrow race between enumeration and signal delivery; without a
// limiter a caller retrying in a tight loop would hammer /proc.
var sweepLimiter = rate.NewLimiter(rate.Every(10*time.Millisecond), 1)

// ConfirmKilled re-enumerates root's descendants and re-delivers SIGKILL
// to any that survived the initial ForceKill sweep (a late fork that
// raced with the first enumeration). It performs at most attempts
// rescans, rate limited by sweepLimiter, and returns nil as soon as a
// rescan finds nothing left alive.
func ConfirmKilled(ctx context.Context, root int, attempts int) error {
	for i := 0; i < attempts; i++ {
		if err := sweepLimiter.Wait(ctx); err != nil {
			return err
		}
		kids, err := Children(root)
		if err != nil {
			return err
		}
		if len(kids) == 0 {
			return nil
		}
		for _, pid := range kids {
			_ = signalLogged(pid, unix.SIGKILL)
		}
	}
	return nil
}

// WaitGone blocks (up to timeout) until pid no longer exists, polling with
// a constant backoff. Used by tests asserting that a killed tree actually
// disappears within a bounded time.
func WaitGone(ctx context.Context, pid int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(25*time.Millisecond), ctx)
	return backoff.Retry(func() error {
		if alive(pid) {
			return fmt.Errorf("pid %d still alive", pid)
		}
		return nil
	}, b)
}
