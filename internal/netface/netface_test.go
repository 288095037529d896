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

package netface

import (
	"os"
	"testing"

	"github.com/dovahcrow/pueued/internal/handler"
	"github.com/dovahcrow/pueued/internal/state"
)

func TestAddAndStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := state.New(dir, "")
	mailbox := handler.NewMailbox(8)

	server, err := NewServer(dir, st, mailbox)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	client, err := Dial(ln.Addr().String(), dir)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Call(Request{Op: "add", Command: "echo", Arguments: []string{"hi"}, Path: "/tmp"})
	if err != nil {
		t.Fatalf("Call(add): %v", err)
	}
	if !resp.OK {
		t.Fatalf("add response error: %s", resp.Error)
	}

	statusResp, err := client.Call(Request{Op: "status"})
	if err != nil {
		t.Fatalf("Call(status): %v", err)
	}
	if len(statusResp.Tasks) != 1 || statusResp.Tasks[0].ID != resp.ID {
		t.Fatalf("status = %+v, want exactly the one added task", statusResp.Tasks)
	}
}

func TestDialRejectsWrongSecret(t *testing.T) {
	dir := t.TempDir()
	st := state.New(dir, "")
	mailbox := handler.NewMailbox(8)

	server, err := NewServer(dir, st, mailbox)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	// Overwrite the secret file a client would read, simulating a stale
	// or forged token.
	if err := os.WriteFile(secretPath(dir), []byte("wrong-secret"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Dial(ln.Addr().String(), dir); err == nil {
		t.Fatalf("Dial succeeded with a forged secret")
	}
}
