// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package horust

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSplitCommand(t *testing.T) {
	Convey("splitCommand honors single and double quotes", t, func() {
		args, err := splitCommand(`/bin/echo "hello world" 'second arg'`)
		So(err, ShouldBeNil)
		So(args, ShouldResemble, []string{"/bin/echo", "hello world", "second arg"})
	})

	Convey("splitCommand rejects an unterminated quote", t, func() {
		_, err := splitCommand(`/bin/echo "unterminated`)
		So(err, ShouldNotBeNil)
	})

	Convey("splitCommand rejects an empty command", t, func() {
		_, err := splitCommand("   ")
		So(err, ShouldNotBeNil)
	})
}

func TestComposeEnvironment(t *testing.T) {
	Convey("composeEnvironment follows baseline < keep_env < re_export < additional precedence", t, func() {
		os.Setenv("HORUST_TEST_VAR", "from-environment")
		defer os.Unsetenv("HORUST_TEST_VAR")

		policy := EnvironmentPolicy{
			KeepEnv:    false,
			ReExport:   []string{"HORUST_TEST_VAR"},
			Additional: map[string]string{"HORUST_TEST_VAR": "overridden", "EXTRA": "1"},
		}
		env := composeEnvironment(policy)
		byKey := map[string]string{}
		for _, kv := range env {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					byKey[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
		So(byKey["HORUST_TEST_VAR"], ShouldEqual, "overridden")
		So(byKey["EXTRA"], ShouldEqual, "1")
	})

	Convey("keep_env pulls in the supervisor's whole environment", t, func() {
		os.Setenv("HORUST_TEST_KEEP", "kept")
		defer os.Unsetenv("HORUST_TEST_KEEP")

		env := composeEnvironment(EnvironmentPolicy{KeepEnv: true})
		found := false
		for _, kv := range env {
			if kv == "HORUST_TEST_KEEP=kept" {
				found = true
			}
		}
		So(found, ShouldBeTrue)
	})
}

// TestCredentialForAcceptsNumericUid exercises spec.md §3's "user
// accepts a numeric uid or name": a numeric string must resolve via
// user.LookupId, not user.Lookup (which only matches by name).
func TestCredentialForAcceptsNumericUid(t *testing.T) {
	Convey("credentialFor resolves a numeric uid the same as the current user's name", t, func() {
		me, err := user.Current()
		So(err, ShouldBeNil)

		byName, err := credentialFor(me.Username)
		So(err, ShouldBeNil)

		byUid, err := credentialFor(me.Uid)
		So(err, ShouldBeNil)

		So(byUid.Uid, ShouldEqual, byName.Uid)
		So(strconv.FormatUint(uint64(byUid.Uid), 10), ShouldEqual, me.Uid)
	})
}

// TestRotatingWriterRotatesMidRun exercises spec.md §4.4's "optionally
// rotating when reaching rotate_size": a single writer, used across many
// Write calls the way one long-running child's stdout would be, rotates
// as soon as it crosses rotateSize instead of only being checked once at
// spawn time.
func TestRotatingWriterRotatesMidRun(t *testing.T) {
	Convey("A rotatingWriter rotates mid-stream once it passes rotateSize", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.log")
		gen := new(int64)
		w, err := newRotatingWriter(path, 10, false, gen)
		So(err, ShouldBeNil)

		_, err = w.Write([]byte("12345"))
		So(err, ShouldBeNil)
		_, err = w.Write([]byte("6789012345"))
		So(err, ShouldBeNil)

		rotatedPath := path + ".1"
		rotatedContent, err := os.ReadFile(rotatedPath)
		So(err, ShouldBeNil)
		So(string(rotatedContent), ShouldEqual, "12345")

		currentContent, err := os.ReadFile(path)
		So(err, ShouldBeNil)
		So(string(currentContent), ShouldEqual, "6789012345")
	})
}
