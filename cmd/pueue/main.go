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

// Command pueue is the client binary: it dials a running pueued over
// TLS and sends one request per invocation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/dovahcrow/pueued/internal/netface"
)

var (
	flagConfigDir string
	flagAddr      string
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&addCmd{}, "")
	subcommands.Register(&statusCmd{}, "")
	subcommands.Register(&signalCmd{op: "pause"}, "")
	subcommands.Register(&signalCmd{op: "resume"}, "")
	subcommands.Register(&signalCmd{op: "kill"}, "")

	home, _ := os.UserHomeDir()
	flag.StringVar(&flagConfigDir, "config", home+"/.local/share/pueue", "pueue directory")
	flag.StringVar(&flagAddr, "addr", "127.0.0.1:6924", "daemon address")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func dial() (*netface.Client, error) {
	return netface.Dial(flagAddr, flagConfigDir)
}

type addCmd struct{ path string }

func (*addCmd) Name() string             { return "add" }
func (*addCmd) Synopsis() string         { return "enqueue a command" }
func (*addCmd) Usage() string            { return "add [-path DIR] -- <command> [args...]\n" }
func (c *addCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "path", ".", "working directory for the command")
}

func (c *addCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	args := f.Args()
	if len(args) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cl, err := dial()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cl.Close()

	resp, err := cl.Call(netface.Request{Op: "add", Command: args[0], Arguments: args[1:], Path: c.path})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Error)
		return subcommands.ExitFailure
	}
	fmt.Printf("enqueued as task %d\n", resp.ID)
	return subcommands.ExitSuccess
}

type statusCmd struct{}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "list every task and its state" }
func (*statusCmd) Usage() string    { return "status\n" }
func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cl, err := dial()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cl.Close()

	resp, err := cl.Call(netface.Request{Op: "status"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	for _, t := range resp.Tasks {
		fmt.Printf("%d\t%s\t%s\n", t.ID, t.Status, t.Command)
	}
	return subcommands.ExitSuccess
}

// signalCmd implements the pause/resume/kill family: same request shape,
// different op string.
type signalCmd struct {
	op          string
	all         bool
	descendants bool
}

func (c *signalCmd) Name() string     { return c.op }
func (c *signalCmd) Synopsis() string { return fmt.Sprintf("%s a task, or every task with -all", c.op) }
func (c *signalCmd) Usage() string    { return fmt.Sprintf("%s [-all] [-descendants] [id]\n", c.op) }
func (c *signalCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.all, "all", false, "apply to every task")
	f.BoolVar(&c.descendants, "descendants", false, "also signal descendant processes")
}

func (c *signalCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cl, err := dial()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cl.Close()

	op := c.op
	req := netface.Request{Descendants: c.descendants}
	if c.all {
		op += "-all"
	} else {
		if len(f.Args()) != 1 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		id, err := strconv.Atoi(strings.TrimSpace(f.Args()[0]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid task id %q\n", f.Args()[0])
			return subcommands.ExitUsageError
		}
		req.ID = id
	}
	req.Op = op

	resp, err := cl.Call(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Error)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
