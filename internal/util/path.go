// Copyright 2023 Google LLC
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

package util

import (
	"crypto/rand"
	"os"
	"path/filepath"
)

// GenerateRandomBytes returns n random bytes, for tests that need sector
// contents distinguishable from a zero-filled device.
func GenerateRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// GetResolvedPath returns the absolute, symlink-resolved form of p. The
// CLI uses it to canonicalize the configured device path.
func GetResolvedPath(p string) (resolved string, err error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	resolved, err = filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (e.g. a device image about to be
		// formatted); fall back to the absolute form.
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}

	return resolved, nil
}
