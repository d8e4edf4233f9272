// Copyright (c) 2026 The Provote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"github.com/provote/provote/events"
	"github.com/provote/provote/fraud"
	"github.com/provote/provote/fraud/analysis"
	"github.com/provote/provote/idemp"
	"github.com/provote/provote/reputation"
	repmysql "github.com/provote/provote/reputation/mysql"
	"github.com/provote/provote/vote"
	votemysql "github.com/provote/provote/vote/mysql"
	"github.com/provote/provote/vote/results"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	return logRotator.Write(p)
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend. When adding
// new subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log      = backendLog.Logger("PRVD")
	voteLog  = backendLog.Logger("VOTE")
	idempLog = backendLog.Logger("IDEM")
	fraudLog = backendLog.Logger("FRAU")
	ptrnLog  = backendLog.Logger("PTRN")
	repLog   = backendLog.Logger("REPU")
	evntLog  = backendLog.Logger("EVNT")
)

// Initialize package-global logger variables.
func init() {
	vote.UseLogger(voteLog)
	votemysql.UseLogger(voteLog)
	results.UseLogger(voteLog)
	idemp.UseLogger(idempLog)
	fraud.UseLogger(fraudLog)
	analysis.UseLogger(ptrnLog)
	reputation.UseLogger(repLog)
	repmysql.UseLogger(repLog)
	events.UseLogger(evntLog)
}

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]slog.Logger{
	"PRVD": log,
	"VOTE": voteLog,
	"IDEM": idempLog,
	"FRAU": fraudLog,
	"PTRN": ptrnLog,
	"REPU": repLog,
	"EVNT": evntLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile
// and create roll files in the same directory. It must be called before
// the package-global log rotater variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
