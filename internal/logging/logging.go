// Package logging builds the process logger. Informational lines go to
// stdout, warnings and errors to stderr.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(level, format string) (*zap.Logger, error) {
	return NewWithWriters(level, format, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func NewWithWriters(level, format string, out, errOut zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	switch format {
	case "json", "":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	info := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl && l < zapcore.WarnLevel })
	errs := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl && l >= zapcore.WarnLevel })

	core := zapcore.NewTee(
		zapcore.NewCore(enc, out, info),
		zapcore.NewCore(enc.Clone(), errOut, errs),
	)
	return zap.New(core, zap.AddCaller()), nil
}
