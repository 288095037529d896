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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/gofrs/flock"
	"github.com/google/btree"
)

// ErrInvalidTransition is returned by UpdateStatus when the requested
// status change is not an edge of legalTransitions:
// Queued -> {Running, Stashed}; Stashed -> Queued; Running <-> Paused;
// {Running, Paused} -> {Done, Failed}.
var ErrInvalidTransition = errors.New("state: invalid status transition")

// ErrNotFound is returned by operations on an unknown task id.
var ErrNotFound = errors.New("state: task not found")

// ErrTaskBusy is returned by Remove when the task is Running or Paused.
var ErrTaskBusy = errors.New("state: task is running, cannot be removed")

// queuedID is a btree.Item ordering the ids of Queued tasks (Stashed
// ones are taken out of the tree), so "pick the lowest-id Queued task" is a Min() lookup instead
// of a linear scan of the whole task map.
type queuedID int

func (a queuedID) Less(than btree.Item) bool {
	return a < than.(queuedID)
}

// State is the authoritative task registry: the task map, id allocator,
// global pause flag, and the path this state was loaded from/will be
// persisted to. All mutation happens under mu, held for the whole logical
// edit; no long-lived reference into the task map is ever handed out.
type State struct {
	mu sync.Mutex

	tasks        map[int]*Task
	queued       *btree.BTree // of queuedID; only ids with Status == Queued
	nextID       int
	globalPaused bool

	configPath string
	snapshotPath string
	lockPath     string
}

// New returns an empty State that will persist to
// filepath.Join(pueueDirectory, "state.json").
func New(pueueDirectory, configPath string) *State {
	return &State{
		tasks:        make(map[int]*Task),
		queued:       btree.New(8),
		nextID:       1,
		configPath:   configPath,
		snapshotPath: filepath.Join(pueueDirectory, "state.json"),
		lockPath:     filepath.Join(pueueDirectory, "state.json.lock"),
	}
}

// AddTask allocates a fresh id, inserts a Task in StatusQueued, and
// returns the id. Ids are monotonically increasing within a process
// lifetime; RestoreFromDisk seeds nextID so ids stay increasing across
// restarts too.
func (s *State) AddTask(command string, arguments []string, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.tasks[id] = &Task{
		ID:        id,
		Command:   command,
		Arguments: arguments,
		Path:      path,
		Status:    StatusQueued,
	}
	s.queued.ReplaceOrInsert(queuedID(id))
	return id
}

// Get returns a copy of the task with the given id.
func (s *State) Get(id int) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

// List returns copies of every task, in id order.
func (s *State) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sortTasksByID(out)
	return out
}

func sortTasksByID(tasks []*Task) {
	// Small N (single-user queue); insertion sort keeps this dependency-free.
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].ID < tasks[j-1].ID; j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// legalTransitions enumerates every non-identity edge in the state
// machine described in spec §3 and §4.3. Queued->Done/Failed is
// deliberately absent: it must traverse Running.
var legalTransitions = map[Status]map[Status]bool{
	StatusQueued:  {StatusRunning: true, StatusStashed: true},
	StatusStashed: {StatusQueued: true},
	StatusRunning: {StatusPaused: true, StatusDone: true, StatusFailed: true},
	StatusPaused:  {StatusRunning: true, StatusDone: true, StatusFailed: true},
}

// UpdateStatus moves task id to newStatus if that edge is legal, per the
// table in spec §3. A forbidden transition leaves the task untouched and
// returns ErrInvalidTransition.
func (s *State) UpdateStatus(id int, newStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !legalTransitions[t.Status][newStatus] {
		return fmt.Errorf("%w: %s -> %s (task %d)", ErrInvalidTransition, t.Status, newStatus, id)
	}

	wasQueued := t.Status == StatusQueued
	t.Status = newStatus
	if newStatus == StatusRunning && t.Start == nil {
		now := time.Now()
		t.Start = &now
	}
	isQueued := newStatus == StatusQueued
	if wasQueued && !isQueued {
		s.queued.Delete(queuedID(id))
	}
	if isQueued && !wasQueued {
		s.queued.ReplaceOrInsert(queuedID(id))
	}
	return nil
}

// SetResult atomically writes a task's terminal fields. Status becomes
// StatusDone if exitCode == 0, else StatusFailed. This is how the handler
// moves a task from Running/Paused to a terminal status (Kill never does
// this directly; it only triggers the exit the handler's reap step observes).
func (s *State) SetResult(id int, exitCode int, stdout, stderr string, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ExitCode = &exitCode
	t.Stdout = &stdout
	t.Stderr = &stderr
	t.End = &end
	if t.Start == nil {
		// A task can land here without ever having been Running (e.g. spawn
		// failure): the invariant requires Start to be populated for any
		// terminal task, so backfill it with the end time.
		t.Start = &end
	}
	if exitCode == 0 {
		t.Status = StatusDone
	} else {
		t.Status = StatusFailed
	}
	s.queued.Delete(queuedID(id)) // no-op if it was never queued
	return nil
}

// Remove deletes task id, if it's terminal, Queued, or Stashed. Running
// and Paused tasks (those with a live child handle) cannot be removed.
func (s *State) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.IsRunning() {
		return ErrTaskBusy
	}
	delete(s.tasks, id)
	s.queued.Delete(queuedID(id))
	return nil
}

// Stash parks a Queued task so it is never picked up by the scheduler
// until Enqueue moves it back.
func (s *State) Stash(id int) error {
	return s.UpdateStatus(id, StatusStashed)
}

// Enqueue moves a Stashed task back to Queued, making it schedulable.
func (s *State) Enqueue(id int) error {
	return s.UpdateStatus(id, StatusQueued)
}

// NextQueued returns the lowest-id task currently in StatusQueued, or nil
// if none is queued.
func (s *State) NextQueued() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.queued.Min()
	if item == nil {
		return nil
	}
	return s.tasks[int(item.(queuedID))].clone()
}

// SetGlobalPaused sets/clears the flag that suppresses scheduling of new
// tasks in the handler's step 3.
func (s *State) SetGlobalPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalPaused = paused
}

// GlobalPaused reports the current value of the global pause flag.
func (s *State) GlobalPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalPaused
}

// RunningIDs returns the ids of every task currently Running or Paused —
// i.e. every id the handler's child table should have an entry for.
func (s *State) RunningIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for id, t := range s.tasks {
		if t.IsRunning() {
			ids = append(ids, id)
		}
	}
	return ids
}

// persistedState is the on-disk shape of State: exactly what needs to
// round-trip, nothing the handler owns transiently (child handles never
// appear here; they're keyed by task id and reconstructed, never restored).
type persistedState struct {
	Tasks        map[int]*Task `json:"tasks"`
	NextID       int           `json:"next_id"`
	GlobalPaused bool          `json:"global_paused"`
	ConfigPath   string        `json:"config_path"`
}

// SnapshotToDisk writes the current state to disk, replacing the file
// atomically (write-to-temp, rename). The snapshot is cloned under the
// lock and serialized/written outside it, per spec §4.2's "clone under
// lock, write outside" option — tolerable because State is small and
// this keeps the lock held for microseconds, not disk I/O. Tasks are
// cloned one at a time with Task.clone rather than a generic reflective
// deep copy, since Task carries *time.Time fields and clone already
// knows how to copy those by value.
// A flock on snapshotPath+".lock" ensures a concurrent reader of
// state.json (e.g. another process's RestoreFromDisk) never observes a
// torn write.
func (s *State) SnapshotToDisk() error {
	s.mu.Lock()
	tasks := make(map[int]*Task, len(s.tasks))
	for id, t := range s.tasks {
		tasks[id] = t.clone()
	}
	snapshot := persistedState{
		Tasks:        tasks,
		NextID:       s.nextID,
		GlobalPaused: s.globalPaused,
		ConfigPath:   s.configPath,
	}
	s.mu.Unlock()

	fl := flock.New(s.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("state: locking snapshot file: %w", err)
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("state: creating temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: writing temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: closing temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, s.snapshotPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: renaming temp snapshot file: %w", err)
	}
	return nil
}

// RestoreFromDisk loads the snapshot at pueueDirectory/state.json, or
// leaves State empty if the file doesn't exist yet. Any task found
// Running or Paused is reset to Queued: there can be no live child for
// it in this new process. Unknown/missing JSON fields are tolerated by
// encoding/json's normal decoding behavior; if any task needed resetting,
// the file is rewritten so the recovered state is durable.
func (s *State) RestoreFromDisk() error {
	fl := flock.New(s.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("state: locking snapshot file: %w", err)
	}

	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		fl.Unlock()
		return nil // fresh install: empty state is fine
	}
	if err != nil {
		fl.Unlock()
		return fmt.Errorf("state: reading snapshot file: %w", err)
	}

	var loaded persistedState
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.L.Warnf("state: snapshot file is corrupt, starting empty: %v", err)
		fl.Unlock()
		return nil
	}

	s.mu.Lock()
	s.tasks = make(map[int]*Task, len(loaded.Tasks))
	s.queued = btree.New(8)
	needsRewrite := false
	for id, t := range loaded.Tasks {
		t.ID = id
		if t.Status == StatusRunning || t.Status == StatusPaused {
			t.Status = StatusQueued
			t.Start, t.End, t.ExitCode, t.Stdout, t.Stderr = nil, nil, nil, nil, nil
			needsRewrite = true
		}
		s.tasks[id] = t
		if t.Status == StatusQueued {
			s.queued.ReplaceOrInsert(queuedID(id))
		}
	}
	s.nextID = loaded.NextID
	if s.nextID <= 0 {
		s.nextID = 1
	}
	s.globalPaused = loaded.GlobalPaused
	s.mu.Unlock()

	// Release the restore lock before SnapshotToDisk acquires its own —
	// flock(2) is per-fd, so holding this one while it takes the same
	// path's lock again would deadlock the process against itself.
	fl.Unlock()

	if needsRewrite {
		if err := s.SnapshotToDisk(); err != nil {
			log.L.Errorf("state: rewriting snapshot after reset: %v", err)
		}
	}
	return nil
}
