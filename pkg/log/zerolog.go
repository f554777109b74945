// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewZerolog wraps a zerolog.Logger in the package Logger interface.
func NewZerolog(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}

type zerologLogger struct {
	l zerolog.Logger
}

func (z *zerologLogger) Debugf(format string, args ...interface{}) {
	z.l.Debug().Msgf(format, args...)
}

func (z *zerologLogger) Infof(format string, args ...interface{}) {
	z.l.Info().Msgf(format, args...)
}

func (z *zerologLogger) Warnf(format string, args ...interface{}) {
	z.l.Warn().Msgf(format, args...)
}

func (z *zerologLogger) Errorf(format string, args ...interface{}) {
	z.l.Error().Msgf(format, args...)
}

// UseECS switches the package logger to ECS-formatted JSON on stdout,
// for deployments shipping logs to Elastic.
func UseECS() {
	SetLogger(NewZerolog(ecszerolog.New(os.Stdout)))
}

// UseRotation switches the package logger to a size-rotated file.
// maxSizeMB bounds each file; maxBackups bounds how many rotated
// files are retained.
func UseRotation(path string, maxSizeMB, maxBackups int) {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	SetLogger(NewZerolog(zerolog.New(w).With().Timestamp().Logger()))
}
