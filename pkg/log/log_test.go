// Copyright 2024 The gpumem Authors.
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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	inner := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	logger := RateLimitedLogger(inner, time.Hour)

	logger.Warningf("first")
	logger.Warningf("suppressed")
	logger.Infof("also suppressed")
	if len(tw.lines) != 2 { // One line plus its newline.
		t.Errorf("expected only the first statement to be logged, got: %v", tw.lines)
	}
	if !strings.Contains(tw.lines[0], "first") {
		t.Errorf("got line %q, wanted the first statement", tw.lines[0])
	}

	if !logger.IsLogging(Info) || logger.IsLogging(Debug) {
		t.Error("IsLogging does not pass through to the underlying logger")
	}
}

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestWriterFailure(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	if len(tw.lines) != 2 {
		t.Fatalf("Writer should have logged 2 lines, got: %v", tw.lines)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	logger := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}

	logger.Debugf("debug")
	if len(tw.lines) != 0 {
		t.Errorf("Debug line logged at Info level: %v", tw.lines)
	}

	logger.Infof("info")
	logger.Warningf("warning")
	if len(tw.lines) != 4 { // Each emit writes the line and a newline.
		t.Errorf("expected 2 lines logged, got: %v", tw.lines)
	}

	if !logger.IsLogging(Warning) || logger.IsLogging(Debug) {
		t.Errorf("IsLogging inconsistent with level %v", logger.Level)
	}

	logger.SetLevel(Debug)
	logger.Debugf("debug")
	if len(tw.lines) != 6 {
		t.Errorf("Debug line not logged after SetLevel(Debug): %v", tw.lines)
	}
}

func TestJSONEmit(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Info, time.Now(), "hello %d", 42)

	if len(tw.lines) != 1 {
		t.Fatalf("expected 1 line, got: %v", tw.lines)
	}
	var out jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &out); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if !strings.HasSuffix(out.Msg, "hello 42") {
		t.Errorf("got message %q, wanted suffix %q", out.Msg, "hello 42")
	}
	if out.Level != Info {
		t.Errorf("got level %v, wanted %v", out.Level, Info)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Date(2024, 6, 25, 1, 2, 3, 4000, time.UTC), "test message")

	if len(tw.lines) == 0 {
		t.Fatal("no line emitted")
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0625 01:02:03.000004") {
		t.Errorf("got line %q, wanted glog-style header", line)
	}
	if !strings.HasSuffix(line, "test message") {
		t.Errorf("got line %q, wanted message suffix", line)
	}
}
