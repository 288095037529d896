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

package procctl

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// spawn starts "sh -c script" with its own process group and returns the
// root pid, leaving the *exec.Cmd for the caller to reap via cmd.Wait
// (tests that kill the root call cmd.Wait in a goroutine right after the
// kill, so the root does not linger as a zombie that WaitGone would still
// see as alive; the error is discarded since SIGKILL makes one inevitable).
func spawn(t *testing.T, script string) (*exec.Cmd, int) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %q: %v", script, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		go cmd.Wait()
	})
	return cmd, cmd.Process.Pid
}

func TestClassifyProcessGone(t *testing.T) {
	cmd, pid := spawn(t, "true")
	cmd.Wait()

	if _, err := Classify(pid); !errors.Is(err, ErrProcessGone) {
		t.Fatalf("Classify(exited pid) = %v, want ErrProcessGone", err)
	}
}

func TestClassifyDirectCommand(t *testing.T) {
	_, pid := spawn(t, "sleep 5")

	var class Classification
	var err error
	for i := 0; i < 40; i++ {
		class, err = Classify(pid)
		if err == nil && class == Direct {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != Direct {
		t.Fatalf("Classify(sh -c sleep) = %v, want Direct (shell should have exec'd into sleep)", class)
	}
}

func TestClassifyWrappedWithBackgroundChild(t *testing.T) {
	_, pid := spawn(t, "sleep 5 & wait")
	time.Sleep(50 * time.Millisecond)

	class, err := Classify(pid)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != Wrapped {
		t.Fatalf("Classify(sh -c 'sleep & wait') = %v, want Wrapped", class)
	}

	kids, err := Children(pid)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(kids) != 1 {
		t.Fatalf("Children(wrapped root) = %v, want exactly one child", kids)
	}
}

func TestDispatchKillDirectCommand(t *testing.T) {
	cmd, pid := spawn(t, "sleep 30")
	waitForClassification(t, pid, Direct)

	if err := Dispatch(pid, Kill, false); err != nil {
		t.Fatalf("Dispatch(Kill): %v", err)
	}
	go cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitGone(ctx, pid, time.Second); err != nil {
		t.Fatalf("process did not disappear after Dispatch(Kill): %v", err)
	}
}

func TestForceKillKillsWrappedTreeWithDescendants(t *testing.T) {
	cmd, pid := spawn(t, "sleep 30 & wait")
	waitForClassification(t, pid, Wrapped)

	kids, err := Children(pid)
	if err != nil || len(kids) != 1 {
		t.Fatalf("Children(root) = %v, %v; want exactly one child", kids, err)
	}
	childPID := kids[0]

	if err := ForceKill(pid, true); err != nil {
		t.Fatalf("ForceKill: %v", err)
	}
	go cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitGone(ctx, pid, 2*time.Second); err != nil {
		t.Fatalf("root did not disappear after ForceKill: %v", err)
	}
	if err := WaitGone(ctx, childPID, 2*time.Second); err != nil {
		t.Fatalf("descendant %d did not disappear after ForceKill(descendants=true): %v", childPID, err)
	}
}

func TestSignalRootOnlyLeavesWrappedChildAlive(t *testing.T) {
	cmd, pid := spawn(t, "sleep 30 & wait")
	waitForClassification(t, pid, Wrapped)

	kids, err := Children(pid)
	if err != nil || len(kids) != 1 {
		t.Fatalf("Children(root) = %v, %v; want exactly one child", kids, err)
	}
	childPID := kids[0]

	// Direct signal to the root only: the root (sh, blocked in wait) dies,
	// but the backgrounded sleep is not itself targeted.
	if err := Signal(pid, unix.SIGKILL); err != nil {
		t.Fatalf("Signal(root): %v", err)
	}
	go cmd.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitGone(ctx, pid, time.Second); err != nil {
		t.Fatalf("root did not disappear: %v", err)
	}
	if !alive(childPID) {
		t.Fatalf("child %d died even though only the root was signaled", childPID)
	}
	_ = Signal(childPID, unix.SIGKILL)
}

func TestWaitGoneTimesOutOnLiveProcess(t *testing.T) {
	_, pid := spawn(t, "sleep 30")
	ctx := context.Background()
	if err := WaitGone(ctx, pid, 100*time.Millisecond); err == nil {
		t.Fatalf("WaitGone returned nil for a still-alive process")
	}
}

func waitForClassification(t *testing.T, pid int, want Classification) {
	t.Helper()
	var class Classification
	var err error
	for i := 0; i < 50; i++ {
		class, err = Classify(pid)
		if err == nil && class == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pid %d never reached classification %v (last: %v, err %v)", pid, want, class, err)
}
