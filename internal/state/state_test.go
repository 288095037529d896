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

package state

import (
	"errors"
	"testing"
	"time"
)

func TestAddTaskStartsQueued(t *testing.T) {
	s := New(t.TempDir(), "")
	id := s.AddTask("echo", []string{"hi"}, "/tmp")

	task, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("new task status = %v, want Queued", task.Status)
	}
	if task.Start != nil || task.End != nil {
		t.Fatalf("new task has timestamps set: %+v", task)
	}
}

func TestUpdateStatusRejectsQueuedToDone(t *testing.T) {
	s := New(t.TempDir(), "")
	id := s.AddTask("echo", nil, "/tmp")

	if err := s.UpdateStatus(id, StatusDone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("UpdateStatus(Queued->Done) = %v, want ErrInvalidTransition", err)
	}

	task, _ := s.Get(id)
	if task.Status != StatusQueued {
		t.Fatalf("task status changed despite rejected transition: %v", task.Status)
	}
}

func TestUpdateStatusRunningSetsStart(t *testing.T) {
	s := New(t.TempDir(), "")
	id := s.AddTask("echo", nil, "/tmp")

	if err := s.UpdateStatus(id, StatusRunning); err != nil {
		t.Fatalf("UpdateStatus(Running): %v", err)
	}
	task, _ := s.Get(id)
	if task.Start == nil {
		t.Fatalf("task.Start not set after transition to Running")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	s := New(t.TempDir(), "")
	id := s.AddTask("echo", nil, "/tmp")
	if err := s.UpdateStatus(id, StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(id, StatusPaused); err != nil {
		t.Fatalf("Running->Paused: %v", err)
	}
	if err := s.UpdateStatus(id, StatusRunning); err != nil {
		t.Fatalf("Paused->Running: %v", err)
	}
}

func TestNextQueuedPicksLowestID(t *testing.T) {
	s := New(t.TempDir(), "")
	_ = s.AddTask("first", nil, "/tmp")
	second := s.AddTask("second", nil, "/tmp")
	_ = s.UpdateStatus(second, StatusStashed) // remove from queued ordering

	task := s.NextQueued()
	if task == nil || task.Command != "first" {
		t.Fatalf("NextQueued() = %+v, want the first task", task)
	}
}

func TestRemoveRejectsRunningTask(t *testing.T) {
	s := New(t.TempDir(), "")
	id := s.AddTask("echo", nil, "/tmp")
	if err := s.UpdateStatus(id, StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(id); !errors.Is(err, ErrTaskBusy) {
		t.Fatalf("Remove(running) = %v, want ErrTaskBusy", err)
	}
}

func TestStashEnqueueRoundTrip(t *testing.T) {
	s := New(t.TempDir(), "")
	id := s.AddTask("echo", nil, "/tmp")

	if err := s.Stash(id); err != nil {
		t.Fatalf("Stash: %v", err)
	}
	if task := s.NextQueued(); task != nil {
		t.Fatalf("NextQueued() = %+v after stash, want nil", task)
	}
	if err := s.Enqueue(id); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task := s.NextQueued(); task == nil || task.ID != id {
		t.Fatalf("NextQueued() after Enqueue = %+v, want task %d", task, id)
	}
}

func TestSnapshotRoundTripPreservesTimestamps(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "/etc/pueue.toml")
	id := s.AddTask("echo", []string{"a", "b"}, "/tmp")
	if err := s.UpdateStatus(id, StatusRunning); err != nil {
		t.Fatal(err)
	}
	end := time.Now()
	if err := s.SetResult(id, 0, "out", "", end); err != nil {
		t.Fatal(err)
	}

	if err := s.SnapshotToDisk(); err != nil {
		t.Fatalf("SnapshotToDisk: %v", err)
	}

	restored := New(dir, "/etc/pueue.toml")
	if err := restored.RestoreFromDisk(); err != nil {
		t.Fatalf("RestoreFromDisk: %v", err)
	}

	task, err := restored.Get(id)
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if task.Status != StatusDone {
		t.Fatalf("restored status = %v, want Done", task.Status)
	}
	if task.Start == nil || task.End == nil {
		t.Fatalf("restored task missing timestamps: %+v", task)
	}
	if !task.End.Equal(end) {
		t.Fatalf("restored End = %v, want %v", task.End, end)
	}
}

func TestRestoreResetsLiveTasksToQueued(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "")
	running := s.AddTask("sleep", []string{"100"}, "/tmp")
	if err := s.UpdateStatus(running, StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.SnapshotToDisk(); err != nil {
		t.Fatal(err)
	}

	restored := New(dir, "")
	if err := restored.RestoreFromDisk(); err != nil {
		t.Fatal(err)
	}
	task, err := restored.Get(running)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("restored status = %v, want Queued (restart must reset live tasks)", task.Status)
	}
	if task.Start != nil {
		t.Fatalf("restored task kept a stale Start time: %v", task.Start)
	}
}

func TestRestoreFromDiskToleratesMissingFile(t *testing.T) {
	s := New(t.TempDir(), "")
	if err := s.RestoreFromDisk(); err != nil {
		t.Fatalf("RestoreFromDisk on fresh install: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("fresh state has tasks: %+v", s.List())
	}
}
