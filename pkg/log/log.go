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

// Package log provides the leveled logger used throughout the client.
// The default backend is zerolog writing to stderr; embedders may swap
// in an ECS-formatted logger, a rotating file logger, or a logrus
// logger via the Use* helpers, or any Logger via SetLogger.
package log

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the minimal leveled surface the client logs against.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	mu     sync.RWMutex
	logger Logger = NewZerolog(zerolog.New(os.Stderr).With().Timestamp().Logger())
)

// SetLogger replaces the package logger. Safe for concurrent use.
func SetLogger(l Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func get() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	return l
}

func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }
