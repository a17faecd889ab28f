// Package logger sets up the zap-backed logr.Logger used by the CLI.
package logger

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

type Logger struct {
	logr.Logger
	name          string
	encoderConfig zapcore.EncoderConfig
	console       zapcore.Core
	atomicLevel   zap.AtomicLevel
	flush         func()
}

// New returns a human readable console logger writing to stderr at info
// level.
func New(name string) *Logger {
	return NewWithWriter(name, os.Stderr)
}

// NewWithWriter is New with a custom destination.
func NewWithWriter(name string, w io.Writer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	l := &Logger{
		name:          name,
		encoderConfig: encoderConfig,
		console:       zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(w)), atomicLevel),
		atomicLevel:   atomicLevel,
	}
	l.build(l.console)
	return l
}

func (l *Logger) build(cores ...zapcore.Core) {
	zapLogger := zap.New(zapcore.NewTee(cores...))
	l.Logger = zapr.NewLogger(zapLogger).WithName(l.name)
	l.flush = func() {
		_ = zapLogger.Sync()
	}
}

// WithFile additionally writes JSON log records to path, rotated by size.
// Loggers derived earlier with WithName or WithValues keep writing to the
// console only.
func (l *Logger) WithFile(path string, maxSizeMB int) *Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
	})
	l.build(l.console, zapcore.NewCore(zapcore.NewJSONEncoder(l.encoderConfig), file, l.atomicLevel))
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}

func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag registers -v/--verbosity on fs.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}
