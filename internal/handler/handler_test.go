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

package handler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dovahcrow/pueued/internal/config"
	"github.com/dovahcrow/pueued/internal/state"
)

func newTestHandler(t *testing.T, parallel int) (*TaskHandler, *state.State) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "task_logs"), 0700); err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		PueueDirectory: dir,
		ParallelTasks:  parallel,
		PollInterval:   config.Dur{Duration: 20 * time.Millisecond},
	}
	st := state.New(dir, "")
	th := New(st, cfg, NewMailbox(16))

	return th, st
}

func pollUntilDone(t *testing.T, th *TaskHandler, st *state.State, id int, timeout time.Duration) *state.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.step(context.Background())
		task, err := st.Get(id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if task.IsDone() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %d did not finish within %v", id, timeout)
	return nil
}

func TestScheduleAndReapSuccess(t *testing.T) {
	th, st := newTestHandler(t, 1)
	id := st.AddTask("echo", []string{"hello"}, "/tmp")

	task := pollUntilDone(t, th, st, id, 2*time.Second)
	if task.Status != state.StatusDone {
		t.Fatalf("status = %v, want Done", task.Status)
	}
	if task.ExitCode == nil || *task.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", task.ExitCode)
	}
	if task.Stdout == nil || *task.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", derefStr(task.Stdout), "hello\n")
	}
}

func TestScheduleAndReapFailure(t *testing.T) {
	th, st := newTestHandler(t, 1)
	id := st.AddTask("false", nil, "/tmp")

	task := pollUntilDone(t, th, st, id, 2*time.Second)
	if task.Status != state.StatusFailed {
		t.Fatalf("status = %v, want Failed", task.Status)
	}
	if task.ExitCode == nil || *task.ExitCode == 0 {
		t.Fatalf("exit code = %v, want nonzero", task.ExitCode)
	}
}

func TestParallelismCapEnforced(t *testing.T) {
	th, st := newTestHandler(t, 1)
	first := st.AddTask("sleep", []string{"0.3"}, "/tmp")
	second := st.AddTask("echo", []string{"second"}, "/tmp")

	// Drive one step: only the first task should be admitted.
	th.step(context.Background())
	task2, err := st.Get(second)
	if err != nil {
		t.Fatal(err)
	}
	if task2.Status != state.StatusQueued {
		t.Fatalf("second task status = %v, want Queued while parallel cap is full", task2.Status)
	}

	pollUntilDone(t, th, st, first, 2*time.Second)
	pollUntilDone(t, th, st, second, 2*time.Second)
}

func TestKillActionTerminatesRunningTask(t *testing.T) {
	th, st := newTestHandler(t, 1)
	id := st.AddTask("sleep", []string{"30"}, "/tmp")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		th.step(context.Background())
		task, _ := st.Get(id)
		if task.Status == state.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	th.mailbox.Send(KillAction{ID: id})
	task := pollUntilDone(t, th, st, id, 2*time.Second)
	if task.Status != state.StatusFailed {
		t.Fatalf("killed task status = %v, want Failed", task.Status)
	}
}

func derefStr(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
