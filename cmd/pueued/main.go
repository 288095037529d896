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

// Command pueued is the daemon binary: it loads config, restores state,
// starts the TaskHandler loop and the TLS listener, and waits for
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/dovahcrow/pueued/internal/config"
	"github.com/dovahcrow/pueued/internal/daemonize"
	"github.com/dovahcrow/pueued/internal/handler"
	"github.com/dovahcrow/pueued/internal/logging"
	"github.com/dovahcrow/pueued/internal/netface"
	"github.com/dovahcrow/pueued/internal/state"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// runCmd is the "run" subcommand: start the daemon in the foreground, or
// re-exec into the background with -daemonize.
type runCmd struct {
	configDir  string
	verbosity  int
	daemonize  bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "start the pueued daemon" }
func (*runCmd) Usage() string {
	return "run [-config DIR] [-daemonize] [-v N]\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	home, _ := os.UserHomeDir()
	f.StringVar(&c.configDir, "config", home+"/.local/share/pueue", "pueue directory (state, logs, certs)")
	f.IntVar(&c.verbosity, "v", 0, "verbosity level (0 logs at info, above 0 at debug)")
	f.BoolVar(&c.daemonize, "daemonize", false, "fork into the background")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.daemonize {
		if err := daemonize.Fork(c.configDir, c.verbosity); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	level := "info"
	if c.verbosity > 0 {
		level = "debug"
	}
	if err := logging.Setup(c.configDir, level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	logging.EnableStackDumpOnSIGUSR2()

	cfg, err := config.Load(c.configDir)
	if err != nil {
		log.L.Errorf("loading config: %v", err)
		return subcommands.ExitFailure
	}
	for _, dir := range []string{cfg.PueueDirectory, cfg.PueueDirectory + "/log", cfg.PueueDirectory + "/certs", cfg.PueueDirectory + "/task_logs"} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.L.Errorf("creating required directory %s: %v", dir, err)
			return subcommands.ExitFailure
		}
	}

	st := state.New(cfg.PueueDirectory, c.configDir)
	if err := st.RestoreFromDisk(); err != nil {
		log.L.Errorf("restoring state: %v", err)
		return subcommands.ExitFailure
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := handler.NewMailbox(64)
	th := handler.New(st, cfg, mailbox)

	server, err := netface.NewServer(cfg.PueueDirectory, st, mailbox)
	if err != nil {
		log.L.Errorf("starting network listener: %v", err)
		return subcommands.ExitFailure
	}
	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	ln, err := server.Listen(addr)
	if err != nil {
		log.L.Errorf("listening on %s: %v", addr, err)
		return subcommands.ExitFailure
	}
	defer ln.Close()
	log.L.Infof("pueued listening on %s", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)

	done := make(chan struct{})
	go func() {
		th.Run(runCtx)
		close(done)
	}()

	select {
	case s := <-sig:
		log.L.Infof("received signal %v, shutting down", s)
		mailbox.Send(handler.ShutdownAction{})
	case <-runCtx.Done():
	}
	<-done
	return subcommands.ExitSuccess
}
