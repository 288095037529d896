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

import "sync"

// Mailbox is an unbounded, multi-producer single-consumer queue of
// Actions: the classic bounded-channel-plus-overflow-slice pattern, so
// Send never blocks a producer (a network worker, the signal handler)
// no matter how far behind the consumer (TaskHandler.Run) falls.
type Mailbox struct {
	mu      sync.Mutex
	overflow []Action
	ready    chan Action
}

// NewMailbox returns an empty Mailbox. bufSize sizes the fast path; any
// sends beyond it spill into the overflow slice instead of blocking.
func NewMailbox(bufSize int) *Mailbox {
	return &Mailbox{ready: make(chan Action, bufSize)}
}

// Send enqueues a, never blocking. While the overflow slice is non-empty,
// a is appended behind it rather than put straight into ready, so actions
// are received in the order they were sent.
func (m *Mailbox) Send(a Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.overflow) == 0 {
		select {
		case m.ready <- a:
			return
		default:
		}
	}
	m.overflow = append(m.overflow, a)
}

// drainOverflow moves as much of the overflow slice as currently fits
// into the ready channel. Called opportunistically whenever the
// consumer has just made room.
func (m *Mailbox) drainOverflow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.overflow) > 0 {
		select {
		case m.ready <- m.overflow[0]:
			m.overflow = m.overflow[1:]
		default:
			return
		}
	}
}

// TryRecv returns the next Action without blocking, or ok=false if the
// mailbox is empty.
func (m *Mailbox) TryRecv() (a Action, ok bool) {
	select {
	case a := <-m.ready:
		m.drainOverflow()
		return a, true
	default:
		m.drainOverflow()
		select {
		case a := <-m.ready:
			return a, true
		default:
			return nil, false
		}
	}
}
