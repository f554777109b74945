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
	"github.com/sirupsen/logrus"
)

// UseLogrus routes the package logger through an existing logrus
// logger, for embedders standardized on logrus.
func UseLogrus(l *logrus.Logger) {
	SetLogger(&logrusLogger{l: l})
}

type logrusLogger struct {
	l *logrus.Logger
}

func (z *logrusLogger) Debugf(format string, args ...interface{}) { z.l.Debugf(format, args...) }
func (z *logrusLogger) Infof(format string, args ...interface{})  { z.l.Infof(format, args...) }
func (z *logrusLogger) Warnf(format string, args ...interface{})  { z.l.Warnf(format, args...) }
func (z *logrusLogger) Errorf(format string, args ...interface{}) { z.l.Errorf(format, args...) }
