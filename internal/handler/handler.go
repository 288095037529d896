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

// Package handler owns the TaskHandler control loop: the single place
// that starts tasks, applies pause/resume/kill actions, reaps finished
// children, and persists state. Everything here runs on one goroutine;
// concurrent access to shared state goes through internal/state's own
// locking, never through a second lock in this package.
package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/semaphore"

	"github.com/dovahcrow/pueued/internal/config"
	"github.com/dovahcrow/pueued/internal/procctl"
	"github.com/dovahcrow/pueued/internal/process"
	"github.com/dovahcrow/pueued/internal/state"
)

// TaskHandler is the singleton owner of every live child process. It is
// not safe for concurrent use from more than one goroutine; Run is meant
// to be launched exactly once, from main, as `go taskHandler.Run(ctx)`.
type TaskHandler struct {
	state   *state.State
	cfg     config.Config
	mailbox *Mailbox
	sem     *semaphore.Weighted

	children map[int]*process.Handle

	// PanicHook, if set, runs before Run re-panics after a recovered
	// panic — e.g. to flush logs. Neither cmd/pueued nor the tests set it.
	PanicHook func(recovered interface{})
}

// New returns a TaskHandler bound to st and cfg. mailbox is the inbound
// action queue; callers (the network façade, the signal handler) hold
// their own reference to it to call Send.
func New(st *state.State, cfg config.Config, mailbox *Mailbox) *TaskHandler {
	return &TaskHandler{
		state:    st,
		cfg:      cfg,
		mailbox:  mailbox,
		sem:      semaphore.NewWeighted(int64(cfg.ParallelTasks)),
		children: make(map[int]*process.Handle),
	}
}

// Run is the TaskHandler's main loop: drain pending actions, reap
// finished children, schedule the next queued task if one is eligible,
// sleep, repeat — until ctx is canceled or a ShutdownAction arrives.
// A panic anywhere in the loop body is logged, the hook (if any) is
// invoked, and the panic is re-raised: a half-dead handler must not
// silently keep running, it must take the whole process down with it.
func (h *TaskHandler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.L.Errorf("handler: panic in TaskHandler.Run: %v\n%s", r, debug.Stack())
			if h.PanicHook != nil {
				h.PanicHook(r)
			}
			panic(r)
		}
	}()

	ticker := time.NewTicker(h.cfg.PollInterval.Duration)
	defer ticker.Stop()

	for {
		if h.step(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
		}
	}
}

// step performs one iteration's worth of bounded, non-blocking work and
// reports whether the handler should stop (a ShutdownAction was seen).
func (h *TaskHandler) step(ctx context.Context) (stop bool) {
	for {
		action, ok := h.mailbox.TryRecv()
		if !ok {
			break
		}
		if h.apply(action) {
			h.shutdown()
			return true
		}
	}

	h.reap()
	h.schedule()
	return false
}

// apply executes a single Action against state and the child table.
// It returns true iff the action was ShutdownAction.
func (h *TaskHandler) apply(a Action) (shutdown bool) {
	switch act := a.(type) {
	case PauseAction:
		h.pauseOne(act.ID, act.Descendants)
	case ResumeAction:
		h.resumeOne(act.ID, act.Descendants)
	case KillAction:
		h.killOne(act.ID, act.Descendants)
	case PauseAllAction:
		h.state.SetGlobalPaused(true)
		for id := range h.children {
			h.pauseOne(id, act.Descendants)
		}
	case ResumeAllAction:
		h.state.SetGlobalPaused(false)
		for id := range h.children {
			h.resumeOne(id, act.Descendants)
		}
	case KillAllAction:
		for id := range h.children {
			h.killOne(id, act.Descendants)
		}
	case ShutdownAction:
		return true
	default:
		log.L.Warnf("handler: unknown action type %T", a)
	}
	return false
}

func (h *TaskHandler) pauseOne(id int, descendants bool) {
	child, ok := h.children[id]
	if !ok {
		log.L.Warnf("handler: pause requested for task %d with no live child", id)
		return
	}
	if err := procctl.Dispatch(child.PID, procctl.Pause, descendants); err != nil {
		log.L.Errorf("handler: pausing task %d: %v", id, err)
		return
	}
	if err := h.state.UpdateStatus(id, state.StatusPaused); err != nil {
		log.L.Errorf("handler: marking task %d paused: %v", id, err)
	}
}

func (h *TaskHandler) resumeOne(id int, descendants bool) {
	child, ok := h.children[id]
	if !ok {
		log.L.Warnf("handler: resume requested for task %d with no live child", id)
		return
	}
	if err := procctl.Dispatch(child.PID, procctl.Resume, descendants); err != nil {
		log.L.Errorf("handler: resuming task %d: %v", id, err)
		return
	}
	if err := h.state.UpdateStatus(id, state.StatusRunning); err != nil {
		log.L.Errorf("handler: marking task %d running: %v", id, err)
	}
}

// killOne force-kills a task's tree. It deliberately does not transition
// state itself: SetResult happens later, in reap, once the child has
// actually exited and an exit status is known.
func (h *TaskHandler) killOne(id int, descendants bool) {
	child, ok := h.children[id]
	if !ok {
		log.L.Warnf("handler: kill requested for task %d with no live child", id)
		return
	}
	if err := procctl.ForceKill(child.PID, descendants); err != nil {
		log.L.Errorf("handler: killing task %d: %v", id, err)
	}
}

// reap checks every live child for exit, records its result, and drops
// it from the child table. Each check is a non-blocking channel receive;
// reap never waits on a process that hasn't exited yet.
func (h *TaskHandler) reap() {
	for id, child := range h.children {
		exit, done := child.TryWait()
		if !done {
			continue
		}
		h.finish(id, child, exit.Status)
	}
}

func (h *TaskHandler) finish(id int, child *process.Handle, exitCode int) {
	stdoutPath, stderrPath := h.logPaths(id)
	stdout, stdoutErr := os.ReadFile(stdoutPath)
	stderr, stderrErr := os.ReadFile(stderrPath)

	stderrText := string(stderr)
	if stdoutErr != nil || stderrErr != nil {
		stderrText += fmt.Sprintf("\n[pueued: error reading task logs: stdout=%v stderr=%v]", stdoutErr, stderrErr)
	}

	if err := h.state.SetResult(id, exitCode, string(stdout), stderrText, time.Now()); err != nil {
		log.L.Errorf("handler: recording result for task %d: %v", id, err)
	}
	child.Close()
	delete(h.children, id)
	h.sem.Release(1)

	if err := h.state.SnapshotToDisk(); err != nil {
		log.L.Errorf("handler: persisting state after task %d finished: %v", id, err)
	}
}

// schedule admits at most one new task per tick, bounded by the
// parallelism semaphore: if global pause is set, or no slot is free, or
// nothing is queued, schedule is a no-op.
func (h *TaskHandler) schedule() {
	if h.state.GlobalPaused() {
		return
	}
	if !h.sem.TryAcquire(1) {
		return
	}
	task := h.state.NextQueued()
	if task == nil {
		h.sem.Release(1)
		return
	}
	if err := h.spawn(task); err != nil {
		log.L.Errorf("handler: spawning task %d: %v", task.ID, err)
		h.sem.Release(1)
	}
}

func (h *TaskHandler) spawn(task *state.Task) error {
	stdoutPath, stderrPath := h.logPaths(task.ID)
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		h.failToSpawn(task.ID, fmt.Sprintf("opening stdout log: %v", err))
		return nil
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		stdout.Close()
		h.failToSpawn(task.ID, fmt.Sprintf("opening stderr log: %v", err))
		return nil
	}

	commandLine := task.Command
	for _, arg := range task.Arguments {
		commandLine += " " + arg
	}

	child, err := process.Spawn(commandLine, task.Path, stdout, stderr)
	if err != nil {
		stdout.Close()
		stderr.Close()
		h.failToSpawn(task.ID, err.Error())
		return nil
	}

	if err := h.state.UpdateStatus(task.ID, state.StatusRunning); err != nil {
		// The scheduler is the only writer that moves Queued -> Running, so
		// this can only happen from an internal bug, not a bad client request.
		panic(fmt.Sprintf("handler: task %d was Queued but UpdateStatus(Running) failed: %v", task.ID, err))
	}
	h.children[task.ID] = child
	return nil
}

// failToSpawn records a task that never ran as Failed directly, the one
// documented exception to "Queued -> Done/Failed is forbidden": there is
// no live child to go through Running for, because there never was one.
// It also releases the parallelism slot schedule acquired for this
// attempt: no child is recorded in h.children, so reap/finish will never
// run for this task and release it instead.
func (h *TaskHandler) failToSpawn(id int, reason string) {
	if err := h.state.SetResult(id, 1, "", reason, time.Now()); err != nil {
		log.L.Errorf("handler: recording spawn failure for task %d: %v", id, err)
	}
	h.sem.Release(1)
}

func (h *TaskHandler) logPaths(id int) (stdout, stderr string) {
	dir := filepath.Join(h.cfg.PueueDirectory, "task_logs")
	base := fmt.Sprintf("%d", id)
	return filepath.Join(dir, base+".stdout"), filepath.Join(dir, base+".stderr")
}

// shutdown stops scheduling, force-kills every live child, reaps what it
// can, and persists once more. Called once, either because a
// ShutdownAction arrived or ctx was canceled.
func (h *TaskHandler) shutdown() {
	log.L.Infof("handler: shutting down, killing %d live task(s)", len(h.children))
	for id, child := range h.children {
		if err := procctl.ForceKill(child.PID, true); err != nil {
			log.L.Errorf("handler: force-killing task %d during shutdown: %v", id, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.children) > 0 && time.Now().Before(deadline) {
		h.reap()
		if len(h.children) > 0 {
			time.Sleep(25 * time.Millisecond)
		}
	}
	if err := h.state.SnapshotToDisk(); err != nil {
		log.L.Errorf("handler: final snapshot on shutdown: %v", err)
	}
}
