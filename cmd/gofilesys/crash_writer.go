// Copyright 2024 Google LLC
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

package main

import "os"

// openCrashFile opens (creating if necessary) the file the runtime should
// append a fatal crash dump to, so a panic in a long-running mount isn't
// lost once the terminal that launched it is gone. debug.SetCrashOutput
// takes an *os.File rather than an arbitrary io.Writer, so the file is kept
// open for the lifetime of the process.
func openCrashFile(fileName string) (*os.File, error) {
	return os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}
