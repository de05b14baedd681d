// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cli holds setup shared by the commands under cmd/.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

var stdoutLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:15:04:05.000} [%{module}] [%{level}] %{message}`,
)

var fileLogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} [%{module}] [%{level}] %{message}`,
)

// LogOptions are the logging flags common to every command.
type LogOptions struct {
	LogLevel string `short:"l" long:"loglevel" default:"info" description:"set the logging level [debug, info, notice, warning, error, critical]"`
	LogFile  string `long:"logfile" description:"also write logs to this file, rotated at 10 MB"`
	Quiet    bool   `short:"q" long:"quiet" description:"do not log to stderr"`
}

// ParseLevel maps a level name to a logging level. An empty name is INFO.
func ParseLevel(name string) (logging.Level, error) {
	if name == "" {
		return logging.INFO, nil
	}
	level, err := logging.LogLevel(name)
	if err != nil {
		return logging.INFO, fmt.Errorf("unknown log level %q: %w", name, err)
	}
	return level, nil
}

// SetupLogging installs the go-logging backends described by opts and
// returns a closer for the log file, if any.
func SetupLogging(opts LogOptions) (io.Closer, error) {
	level, err := ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	var backends []logging.Backend
	if !opts.Quiet {
		backendStderr := logging.NewLogBackend(os.Stderr, "", 0)
		backends = append(backends, logging.NewBackendFormatter(backendStderr, stdoutLogFormat))
	}

	var closer io.Closer = nopCloser{}
	if opts.LogFile != "" {
		path, err := ExpandPath(opts.LogFile)
		if err != nil {
			return nil, err
		}
		w := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     30, // Days
		}
		backendFile := logging.NewLogBackend(w, "", 0)
		backends = append(backends, logging.NewBackendFormatter(backendFile, fileLogFormat))
		closer = w
	}

	leveled := logging.SetBackend(backends...)
	leveled.SetLevel(level, "")
	return closer, nil
}

// ExpandPath expands a leading ~ and cleans the result.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Clean(expanded), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
