// Package logging wraps a package-global zap logger behind terse,
// printf-style helpers so call sites never touch zap's structured API
// directly. The concrete logger is installed by InitLogger, built by
// the dev or prod build-tagged variant.
package logging

import "go.uber.org/zap"

var sugar = zap.NewNop().Sugar()

// Install swaps the active logger. Called once by InitLogger.
func Install(l *zap.Logger) {
	sugar = l.Sugar()
}

func DebugLog(msg string, args ...interface{}) {
	sugar.Debugf(msg, args...)
}

func InfoLog(msg string, args ...interface{}) {
	sugar.Infof(msg, args...)
}

func WarnLog(msg string, args ...interface{}) {
	sugar.Warnf(msg, args...)
}

func ErrorLog(msg string, args ...interface{}) {
	sugar.Errorf(msg, args...)
}

func FatalLog(msg string, args ...interface{}) {
	sugar.Fatalf(msg, args...)
}

// Sync flushes any buffered log entries. Callers should defer this in main.
func Sync() {
	_ = sugar.Sync()
}
