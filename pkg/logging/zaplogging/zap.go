package zaplogging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ethchange/taskrunner/pkg/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level   string    // debug, info, warn, error
	Console io.Writer // defaults to os.Stderr
}

// Backend is a zap-backed sink for logging.Logger. A file sink can be attached once the
// log directory exists; console output is kept.
type Backend struct {
	level   zap.AtomicLevel
	console zapcore.Core
	file    *os.File
	sugar   *zap.SugaredLogger
	mutex   sync.RWMutex
}

func New(config Config) (*Backend, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	console := config.Console
	if console == nil {
		console = os.Stderr
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(console)),
		atomicLevel,
	)

	return &Backend{
		level:   atomicLevel,
		console: consoleCore,
		sugar:   zap.New(consoleCore).Sugar(),
	}, nil
}

func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// SetLevel changes the level of every attached sink
func (b *Backend) SetLevel(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	b.level.SetLevel(l)
	return nil
}

// AttachFile tees JSON-encoded entries into the file at path (appending)
func (b *Backend) AttachFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		b.level,
	)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.file != nil {
		_ = b.sugar.Sync()
		_ = b.file.Close()
	}
	b.file = f
	b.sugar = zap.New(zapcore.NewTee(b.console, fileCore)).Sugar()
	return nil
}

func (b *Backend) Sync() error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.sugar.Sync()
}

func (b *Backend) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	_ = b.sugar.Sync()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	b.sugar = zap.New(b.console).Sugar()
	return err
}

func (b *Backend) current() *zap.SugaredLogger {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.sugar
}

func (b *Backend) LogFuncs() logging.LogFuncs {
	return logging.LogFuncs{
		Debugf: func(format string, args ...interface{}) { b.current().Debugf(format, args...) },
		Infof:  func(format string, args ...interface{}) { b.current().Infof(format, args...) },
		Warnf:  func(format string, args ...interface{}) { b.current().Warnf(format, args...) },
		Errorf: func(format string, args ...interface{}) { b.current().Errorf(format, args...) },
	}
}

// NewLogger is a shorthand for logging.NewLogger(prefix, b.LogFuncs())
func (b *Backend) NewLogger(prefix string) logging.Logger {
	return logging.NewLogger(prefix, b.LogFuncs())
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewDevelopmentEncoderConfig()
	config.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	config.CallerKey = ""
	return config
}
