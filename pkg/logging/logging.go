// Package logging configures klog for the daemon: verbosity, and an optional
// size-rotated log file alongside stderr.
package logging

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"
)

// Options selects klog verbosity and the rotating log file
type Options struct {
	// Verbosity is the klog -v level; negative leaves it untouched
	Verbosity int

	// File enables a rotating log file; empty logs to stderr only
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Setup applies opts to the global klog logger. The returned closer flushes
// klog and closes the log file.
func Setup(opts Options) (io.Closer, error) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	settings := map[string]string{}
	if opts.Verbosity >= 0 {
		settings["v"] = strconv.Itoa(opts.Verbosity)
	}

	if opts.File == "" {
		settings["logtostderr"] = "true"
		if err := apply(fs, settings); err != nil {
			return nil, err
		}
		return closerFunc(func() error {
			klog.Flush()
			return nil
		}), nil
	}

	// each line goes to the file once, and still to stderr
	settings["logtostderr"] = "false"
	settings["alsologtostderr"] = "true"
	settings["one_output"] = "true"
	if err := apply(fs, settings); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	klog.SetOutput(file)
	klog.V(2).Infof("Logging to %s (rotate at %dMB, keep %d)", opts.File, opts.MaxSizeMB, opts.MaxBackups)

	return closerFunc(func() error {
		klog.Flush()
		return file.Close()
	}), nil
}

func apply(fs *flag.FlagSet, settings map[string]string) error {
	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("failed to set klog flag %s=%s: %w", name, value, err)
		}
	}
	return nil
}
