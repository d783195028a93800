package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/logwrap/impl/filter"
	"github.com/shimmeringbee/logwrap/impl/golog"
	"github.com/shimmeringbee/logwrap/impl/nest"
	"github.com/shimmeringbee/logwrap/impl/tee"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log lines go. Console defaults to stderr.
type Options struct {
	Level   string
	Console io.Writer
	File    *FileOptions
}

// FileOptions enables a rotating log file alongside the console.
type FileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// New builds the process logger.
func New(opts Options) (logwrap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logwrap.Logger{}, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	impls := []logwrap.Impl{levelFilter(level, golog.Wrap(log.New(console, "", log.LstdFlags)))}

	if opts.File != nil && opts.File.Filename != "" {
		writer := &lumberjack.Logger{
			Filename:   opts.File.Filename,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			Compress:   opts.File.Compress,
		}
		impls = append(impls, levelFilter(level, golog.Wrap(log.New(writer, "", log.LstdFlags))))
	}

	if len(impls) == 1 {
		return logwrap.New(impls[0]), nil
	}
	return logwrap.New(tee.Tee(impls...)), nil
}

// Discard returns a logger that drops everything.
func Discard() logwrap.Logger {
	return logwrap.New(discard.Discard())
}

// Named returns a child logger tagged with source and any extra data.
func Named(parent logwrap.Logger, source string, options ...logwrap.Option) logwrap.Logger {
	child := logwrap.New(nest.Wrap(parent))
	child.AddOptionsToLogger(append([]logwrap.Option{logwrap.Source(source)}, options...)...)
	return child
}

// ParseLevel accepts panic, fatal, error, warn, info, debug and trace. Empty
// means info.
func ParseLevel(value string) (logwrap.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "panic":
		return logwrap.Panic, nil
	case "fatal":
		return logwrap.Fatal, nil
	case "error":
		return logwrap.Error, nil
	case "warn", "warning":
		return logwrap.Warn, nil
	case "", "info":
		return logwrap.Info, nil
	case "debug":
		return logwrap.Debug, nil
	case "trace":
		return logwrap.Trace, nil
	default:
		return logwrap.Info, fmt.Errorf("unknown log level %q", value)
	}
}

func levelFilter(level logwrap.LogLevel, base logwrap.Impl) logwrap.Impl {
	return filter.Filter(base, func(message logwrap.Message) bool {
		return message.Level <= level
	})
}
