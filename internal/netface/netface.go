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

// Package netface is the thin TLS listener that turns line-delimited
// JSON requests from the client binary into internal/state calls and
// internal/handler.Action sends. Its wire format is intentionally
// minimal: a request/response pair per line, one connection per command,
// matching how a single-user local daemon is actually used.
package netface

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"

	"github.com/containerd/log"

	"github.com/dovahcrow/pueued/internal/handler"
	"github.com/dovahcrow/pueued/internal/state"
)

// Request is the line-delimited JSON message the client sends. The
// first line on every connection must be a "handshake" op carrying the
// shared secret; every op after that is served only once handshake
// succeeded.
type Request struct {
	Op          string   `json:"op"`
	Secret      string   `json:"secret,omitempty"`
	ID          int      `json:"id,omitempty"`
	Command     string   `json:"command,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
	Path        string   `json:"path,omitempty"`
	Descendants bool     `json:"descendants,omitempty"`
}

// Response is the line-delimited JSON message the daemon replies with.
type Response struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	ID    int           `json:"id,omitempty"`
	Tasks []*state.Task `json:"tasks,omitempty"`
}

// Server accepts client connections, authenticates them against the
// shared secret, and dispatches every request line that follows the
// handshake on the same connection.
type Server struct {
	state   *state.State
	mailbox *handler.Mailbox
	secret  string
	tlsCfg  *tls.Config
}

// NewServer prepares (generating on first run) the certificate and
// shared secret under pueueDirectory, and returns a Server ready to
// Listen.
func NewServer(pueueDirectory string, st *state.State, mailbox *handler.Mailbox) (*Server, error) {
	cert, err := loadOrCreateCert(pueueDirectory)
	if err != nil {
		return nil, err
	}
	secret, err := loadOrCreateSecret(pueueDirectory)
	if err != nil {
		return nil, err
	}
	return &Server{
		state:   st,
		mailbox: mailbox,
		secret:  secret,
		tlsCfg:  &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}, nil
}

// Listen binds addr and serves connections until the listener is closed
// or ctx-driven shutdown closes it from the caller's side (the caller
// owns the net.Listener's lifetime via the returned value).
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, s.tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("netface: listening on %s: %w", addr, err)
	}
	go s.acceptLoop(ln)
	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.L.Infof("netface: accept loop stopping: %v", err)
			return
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	if !scanner.Scan() {
		return
	}
	var hello Request
	if err := json.Unmarshal(scanner.Bytes(), &hello); err != nil || hello.Op != "handshake" || !secretsEqual(hello.Secret, s.secret) {
		enc.Encode(Response{OK: false, Error: "handshake failed"})
		return
	}
	enc.Encode(Response{OK: true})

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}
		enc.Encode(s.dispatch(req))
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case "add":
		id := s.state.AddTask(req.Command, req.Arguments, req.Path)
		return Response{OK: true, ID: id}
	case "status":
		return Response{OK: true, Tasks: s.state.List()}
	case "remove":
		if err := s.state.Remove(req.ID); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case "stash":
		if err := s.state.Stash(req.ID); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case "enqueue":
		if err := s.state.Enqueue(req.ID); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case "pause":
		s.mailbox.Send(handler.PauseAction{ID: req.ID, Descendants: req.Descendants})
		return Response{OK: true}
	case "resume":
		s.mailbox.Send(handler.ResumeAction{ID: req.ID, Descendants: req.Descendants})
		return Response{OK: true}
	case "kill":
		s.mailbox.Send(handler.KillAction{ID: req.ID, Descendants: req.Descendants})
		return Response{OK: true}
	case "pause-all":
		s.mailbox.Send(handler.PauseAllAction{Descendants: req.Descendants})
		return Response{OK: true}
	case "resume-all":
		s.mailbox.Send(handler.ResumeAllAction{Descendants: req.Descendants})
		return Response{OK: true}
	case "kill-all":
		s.mailbox.Send(handler.KillAllAction{Descendants: req.Descendants})
		return Response{OK: true}
	case "shutdown":
		s.mailbox.Send(handler.ShutdownAction{})
		return Response{OK: true}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// Secret returns the daemon's shared-secret token, for a client sharing
// a process tree (e.g. tests) to hand-wire a handshake without reading
// the secret file itself.
func (s *Server) Secret() string {
	return s.secret
}
