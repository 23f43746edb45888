/*
Package hublogger is the logging package for the Helmsman control plane. It
wraps a zap logger that tees colored console output with JSON cores shipping
errors to Sentry and all events to Logz.io (in deployed environments).

The "fmt" and "log" packages should never be imported by other packages in
this repository --- use this package instead, so that errors always reach our
remote logging providers. `utils.Sprintf` and `utils.MakeError` exist for the
same reason.
*/
package hublogger // import "github.com/helmsmanhq/helmsman/hublogger"

import (
	"context"
	"io/ioutil"
	"os"
	"runtime/debug"

	"github.com/helmsmanhq/helmsman/metadata"
	"github.com/helmsmanhq/helmsman/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	// Build a console-only logger so packages can log from their own init
	// functions. Init() replaces it with the full production tee.
	logger = zap.New(zapcore.NewTee(consoleCores()...))
}

// usingProdLogging says whether events should be shipped to the remote
// logging providers. We only do so in deployed environments, so local
// development never pollutes the production streams.
func usingProdLogging() bool {
	return !metadata.IsLocalEnv()
}

func consoleCores() []zapcore.Core {
	// High-priority output goes to standard error, low-priority output to
	// standard out.
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})

	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	// Enable colored output on stdout.
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	return []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	}
}

// Init sets up the full logging pipeline: console cores plus the Sentry and
// Logz.io cores in deployed environments. It should be the first thing main()
// calls so that every subsequent error reaches the remote providers.
func Init() {
	cores := consoleCores()

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	allLevels := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return true
	})

	if sentryCore := newSentryCore(zapcore.NewJSONEncoder(newShippingEncoderConfig()), highPriority); sentryCore != nil {
		cores = append(cores, sentryCore)
	}
	if logzCore := newLogzioCore(zapcore.NewJSONEncoder(newShippingEncoderConfig()), allLevels); logzCore != nil {
		cores = append(cores, logzCore)
	}

	// Keep a discard sink around so the tee never ends up empty even if both
	// remote cores fail to initialize.
	_ = zapcore.AddSync(ioutil.Discard)

	logger = zap.New(zapcore.NewTee(cores...))
}

// newShippingEncoderConfig returns an encoder configuration appropriate for
// the remote logging providers.
func newShippingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "type",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Close flushes all production logging (i.e. Sentry and Logz.io).
func Close() {
	FlushSentry()
	FlushLogzio()
	logger.Sync()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Warning logs an error in red text, like Error, but doesn't send it to
// Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Panic "pretends" to panic on an error by printing the stack trace and
// calling the provided global context-cancelling function. This causes all
// the goroutines in the program to kill themselves (cleanly). This function
// should not be used except to initiate termination of the entire control
// plane. Passing in a nil `globalCancel` parameter will actually panic on
// `err` instead.
func Panic(globalCancel context.CancelFunc, err error) {
	PrintStackTrace()

	if globalCancel != nil {
		Info(err)
		globalCancel()
	} else {
		// If we're truly trying to panic, at least flush our logging queues
		// first so this error actually gets sent.
		FlushLogzio()
		FlushSentry()
		logger.Sugar().Panic(err)
	}
}

// Infof is identical to Info, since Info already respects printf syntax. We
// only include Infof for consistency with Errorf, Warningf, and Panicf.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Infow logs a message with additional key-value context.
func Infow(msg string, keysAndValues ...interface{}) {
	logger.Sugar().Infow(msg, keysAndValues...)
}

// FastInfo logs a message with strongly-typed zap fields, avoiding the
// sugared logger's reflection on hot paths like the spawn flow.
func FastInfo(msg string, fields ...zap.Field) {
	logger.Info(msg, fields...)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Errorw logs an error message with additional key-value context.
func Errorw(msg string, keysAndValues ...interface{}) {
	logger.Sugar().Errorw(msg, keysAndValues...)
}

// Warningf is like Warning, but it respects printf syntax, i.e. takes in a
// format string and arguments, for convenience.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Panicf is like Panic, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
