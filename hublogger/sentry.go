package hublogger // import "github.com/helmsmanhq/helmsman/hublogger"

import (
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/helmsmanhq/helmsman/metadata"
	"go.uber.org/zap/zapcore"
)

// sentryCore is a custom zap core that sends error output to Sentry.
type sentryCore struct {
	// enabler decides whether the entry should be logged or not,
	// according to its level.
	enabler zapcore.LevelEnabler
	// encoder is responsible for marshalling the entry to the desired format.
	encoder zapcore.Encoder
}

var sentryInitialized bool

// newSentryCore initializes the Sentry client and the core around it. It
// returns nil (and the tee simply omits the core) when prod logging is off or
// the DSN is missing.
func newSentryCore(encoder zapcore.Encoder, levelEnab zapcore.LevelEnabler) zapcore.Core {
	if !usingProdLogging() {
		return nil
	}

	sentryDsn := os.Getenv("SENTRY_DSN")
	if sentryDsn == "" {
		log.Printf("Not setting up Sentry: SENTRY_DSN is unset.")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         sentryDsn,
		Release:     metadata.GetGitCommit(),
		Environment: string(metadata.GetAppEnvironment()),
	})
	if err != nil {
		log.Printf("Error calling sentry.Init: %s", err)
		return nil
	}
	log.Printf("Set Sentry release to git commit hash: %s", metadata.GetGitCommit())

	sentryInitialized = true
	return &sentryCore{enabler: levelEnab, encoder: encoder}
}

// Enabled is used to check whether the event should be logged or not,
// depending on its level.
func (sc *sentryCore) Enabled(level zapcore.Level) bool {
	return sc.enabler.Enabled(level)
}

// With adds the fields defined in the configuration to the core.
func (sc *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	core := &sentryCore{
		enabler: sc.enabler,
		encoder: sc.encoder.Clone(),
	}

	for i := range fields {
		fields[i].AddTo(core.encoder)
	}

	return core
}

// Check will add the current entry (event) to the core, which in the future
// will send it to Sentry.
func (sc *sentryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sc.Enabled(ent.Level) {
		return ce.AddCore(ent, sc)
	}
	return ce
}

// Write captures the event in Sentry.
func (sc *sentryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	event := sentry.NewEvent()
	event.Message = ent.Message
	event.Level = sentry.LevelError
	event.Timestamp = ent.Time
	sentry.CaptureEvent(event)
	return nil
}

// Sync flushes the Sentry queue.
func (sc *sentryCore) Sync() error {
	sentry.Flush(5 * time.Second)
	return nil
}

// FlushSentry flushes events in the Sentry queue.
func FlushSentry() {
	if sentryInitialized {
		sentry.Flush(5 * time.Second)
	}
}
