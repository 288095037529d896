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
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// secretPath returns <pueue_directory>/secret, the shared-secret token
// file the client reads before connecting.
func secretPath(pueueDirectory string) string {
	return filepath.Join(pueueDirectory, "secret")
}

// loadOrCreateSecret returns the daemon's shared-secret token, generating
// and persisting one on first run.
func loadOrCreateSecret(pueueDirectory string) (string, error) {
	path := secretPath(pueueDirectory)
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("netface: generating secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("netface: writing secret: %w", err)
	}
	return secret, nil
}

// secretsEqual compares two secrets in constant time, so a handshake
// failure doesn't leak timing information about how much of the token
// matched.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
