// Package logging builds the structured zap loggers used throughout the
// bridge, giving every log line room-scoped attribution in place of the
// "[peerID] ..." prefix convention used elsewhere in this codebase.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production JSON logger at the requested level
// ("debug", "info", "warn", "error"; defaults to "info").
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	return cfg.Build()
}

// ForRoom returns a child logger carrying the room token on every entry.
func ForRoom(base *zap.Logger, roomToken string) *zap.Logger {
	return base.With(zap.String("room_token", roomToken))
}
