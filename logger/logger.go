// Package logger provides the console logger and the per experiment run log.
package logger

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	CoreLogger *zap.SugaredLogger
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	SetOutput(os.Stderr)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	return zapcore.NewConsoleEncoder(cfg)
}

// SetOutput sends console logging to w, it also replaces the zap global logger.
func SetOutput(w io.Writer) {
	core := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(w), level)
	log := zap.New(core)
	CoreLogger = log.Sugar()
	zap.ReplaceGlobals(log)
}

// SetDebug enables debug level messages
func SetDebug(on bool) {
	if on {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

func Debugf(template string, args ...interface{}) { CoreLogger.Debugf(template, args...) }

func Infof(template string, args ...interface{}) { CoreLogger.Infof(template, args...) }

func Warnf(template string, args ...interface{}) { CoreLogger.Warnf(template, args...) }

func Errorf(template string, args ...interface{}) { CoreLogger.Errorf(template, args...) }

func Fatalf(template string, args ...interface{}) { CoreLogger.Fatalf(template, args...) }

func Sync() { CoreLogger.Sync() }

// RunLog writes metric lines to the console and appends the bare message to the experiment log file.
type RunLog struct {
	*zap.SugaredLogger
	file *os.File
}

// OpenRunLog opens the log file for appending, creating it if needed.
func OpenRunLog(path string) (*RunLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg"}),
		zapcore.AddSync(f), zapcore.DebugLevel)
	log := zap.New(zapcore.NewTee(CoreLogger.Desugar().Core(), fileCore))
	return &RunLog{SugaredLogger: log.Sugar(), file: f}, nil
}

// Printf logs a message at info level
func (l *RunLog) Printf(template string, args ...interface{}) {
	l.Infof(template, args...)
}

// Close flushes and closes the log file
func (l *RunLog) Close() error {
	l.Sync()
	return l.file.Close()
}
