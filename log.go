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
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the engine's root structured logger. Level is
// controlled by the HORUST_LOG environment variable (spec.md §6):
// "debug", "info" (default), "warn", "error". Grounded on the teacher's
// MultiLogger fan-out idiom (multilog.go), replaced here by zap's own
// multi-core Tee -- extra cores (notably a RingLog core, see ringlog.go)
// are teed alongside the stderr sink so every log entry also lands in
// its service's recent-log ring buffer.
func NewLogger(extra ...zapcore.Core) *zap.Logger {
	level := parseLevel(os.Getenv("HORUST_LOG"))
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)
	stderrCore := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)

	cores := append([]zapcore.Core{stderrCore}, extra...)
	return zap.New(zapcore.NewTee(cores...))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
