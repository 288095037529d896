// Copyright 2021 The gVisor Authors.
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

package logging

import (
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/containerd/log"
)

var debugOnce sync.Once

// EnableStackDumpOnSIGUSR2 installs a handler so "kill -USR2 <pid>" logs
// every goroutine's stack at debug level — useful for diagnosing a
// TaskHandler that has stopped making progress without restarting it.
func EnableStackDumpOnSIGUSR2() {
	debugOnce.Do(func() {
		dumpCh := make(chan os.Signal, 1)
		signal.Notify(dumpCh, syscall.SIGUSR2)
		go func() {
			buf := make([]byte, 10240)
			for range dumpCh {
				for {
					n := runtime.Stack(buf, true)
					if n >= len(buf) {
						buf = make([]byte, 2*len(buf))
						continue
					}
					log.L.Debugf("stack dump requested:\n%s", buf[:n])
					break
				}
			}
		}()
		log.L.Debugf("for a full stack dump run: kill -%d %d", syscall.SIGUSR2, os.Getpid())
	})
}
