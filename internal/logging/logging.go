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

// Package logging configures the process-wide structured logger used by
// every other package through containerd/log's package-level log.L.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// Setup points containerd/log's package-level logger at a logrus.Logger
// writing to both stderr and <pueueDirectory>/log/pueued.log, at the
// given level ("debug", "info", "warn", "error"). It must be called once
// at boot, before any other package logs anything.
func Setup(pueueDirectory, level string) error {
	logDir := filepath.Join(pueueDirectory, "log")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("logging: creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "pueued.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("logging: opening %s: %w", logPath, err)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	log.L = logrus.NewEntry(logger)
	return nil
}
