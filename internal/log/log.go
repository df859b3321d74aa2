// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package log is the logging facade used throughout commrouter, mirroring
// the teacher's internal/log surface (Print, Printf, Fatal, SetLogger) so
// call sites never import a concrete logging backend directly.
package log

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger is the minimal interface commrouter logs through. Embedders can
// install their own implementation via SetLogger, the way the teacher's
// WithLogger option does.
type Logger interface {
	Println(v ...interface{})
	Fatalln(v ...interface{})
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Println(v ...interface{}) {
	s.l.Info(fmt.Sprint(v...))
}

func (s slogLogger) Fatalln(v ...interface{}) {
	s.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

var logger Logger = slogLogger{l: slog.Default()}

// SetLogger overrides the default logger.
func SetLogger(l Logger) {
	logger = l
}

// Print logs its arguments at info level, space-separated.
func Print(v ...interface{}) {
	logger.Println(v...)
}

// Printf logs a formatted message at info level.
func Printf(format string, v ...interface{}) {
	logger.Println(fmt.Sprintf(format, v...))
}

// Fatal logs its arguments then terminates the process.
func Fatal(v ...interface{}) {
	logger.Fatalln(v...)
}

// Fatalf logs a formatted message then terminates the process.
func Fatalf(format string, v ...interface{}) {
	logger.Fatalln(fmt.Sprintf(format, v...))
}
