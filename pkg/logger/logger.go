// Package logger provides component-tagged logging for drumline.
//
// Call sites tag every line with the subsystem that emitted it
// (e.g. "ingress", "pipeline", "sweeper") so the gateway log can be
// filtered per concern. The backend is zap.
package logger

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level = zapcore.Level

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
)

var (
	level = zap.NewAtomicLevelAt(INFO)
	log   = newLogger()
)

func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLevel changes the minimum level of all subsequent log lines.
func SetLevel(l Level) {
	level.SetLevel(l)
}

// SetLogger replaces the backend logger. Used by tests to capture output.
func SetLogger(l *zap.Logger) {
	log = l
}

func fieldsOf(component string, fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("component", component))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func DebugC(component, msg string) {
	log.Debug(msg, zap.String("component", component))
}

func DebugCF(component, msg string, fields map[string]any) {
	log.Debug(msg, fieldsOf(component, fields)...)
}

func InfoC(component, msg string) {
	log.Info(msg, zap.String("component", component))
}

func InfoCF(component, msg string, fields map[string]any) {
	log.Info(msg, fieldsOf(component, fields)...)
}

func WarnC(component, msg string) {
	log.Warn(msg, zap.String("component", component))
}

func WarnCF(component, msg string, fields map[string]any) {
	log.Warn(msg, fieldsOf(component, fields)...)
}

func ErrorC(component, msg string) {
	log.Error(msg, zap.String("component", component))
}

func ErrorCF(component, msg string, fields map[string]any) {
	log.Error(msg, fieldsOf(component, fields)...)
}
