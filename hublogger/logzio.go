package hublogger // import "github.com/helmsmanhq/helmsman/hublogger"

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/utils"
	"github.com/logzio/logzio-go"
	"go.uber.org/zap/zapcore"
)

// logzioCore is a custom zap core that sends output to Logz.io.
type logzioCore struct {
	// enabler decides whether the entry should be logged or not,
	// according to its level.
	enabler zapcore.LevelEnabler
	// encoder is responsible for marshalling the entry to the desired format.
	encoder zapcore.Encoder
	// sender is the client used to send the events to Logz.io.
	sender *logzio.LogzioSender
	// senderLock is a lock for the queue used by Logz.io.
	senderLock *sync.Mutex
}

// The process-wide core, kept so FlushLogzio can reach the sender.
var logzioTransport *logzioCore

// newLogzioCore initializes the Logz.io sender and the core around it. It
// returns nil (and the tee simply omits the core) when prod logging is off or
// the shipping token is missing.
func newLogzioCore(encoder zapcore.Encoder, levelEnab zapcore.LevelEnabler) zapcore.Core {
	if !usingProdLogging() {
		return nil
	}

	logzioShippingToken := os.Getenv("LOGZIO_SHIPPING_TOKEN")
	if logzioShippingToken == "" {
		log.Printf("Not setting up logz.io integration: LOGZIO_SHIPPING_TOKEN is unset.")
		return nil
	}

	sender, err := logzio.New(
		logzioShippingToken,
		logzio.SetUrl("https://listener.logz.io:8071"),
		logzio.SetDrainDuration(time.Second*3),
		logzio.SetCheckDiskSpace(false),
	)
	if err != nil {
		log.Printf("Couldn't initialize logz.io sender: %s", err)
		return nil
	}

	lc := &logzioCore{}
	lc.encoder = encoder
	lc.enabler = levelEnab
	lc.sender = sender
	lc.senderLock = &sync.Mutex{}

	logzioTransport = lc
	return lc
}

// Enabled is used to check whether the event should be logged or not,
// depending on its level.
func (lc *logzioCore) Enabled(level zapcore.Level) bool {
	return lc.enabler.Enabled(level)
}

// With adds the fields defined in the configuration to the core.
func (lc *logzioCore) With(fields []zapcore.Field) zapcore.Core {
	core := &logzioCore{
		enabler:    lc.enabler,
		encoder:    lc.encoder.Clone(),
		sender:     lc.sender,
		senderLock: lc.senderLock,
	}

	for i := range fields {
		fields[i].AddTo(core.encoder)
	}

	return core
}

// Check will add the current entry (event) to the core, which in the future
// will send it to Logz.io.
func (lc *logzioCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if lc.Enabled(ent.Level) {
		return ce.AddCore(ent, lc)
	}
	return ce
}

// Write is where the core sends the event payload to Logz.io.
func (lc *logzioCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	lc.senderLock.Lock()
	defer lc.senderLock.Unlock()

	buf, err := lc.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	err = lc.sender.Send(buf.Bytes())
	buf.Free()
	if err != nil {
		return utils.MakeError("couldn't send payload to logz.io: %s", err)
	}
	if ent.Level > zapcore.ErrorLevel {
		// Since we may be crashing the program, sync the output.
		lc.Sync()
	}
	return nil
}

// Sync drains the queue.
func (lc *logzioCore) Sync() error {
	lc.senderLock.Lock()
	defer lc.senderLock.Unlock()

	return lc.sender.Sync()
}

// FlushLogzio flushes events in the Logz.io queue but does not stop new ones
// from being recorded.
func FlushLogzio() {
	if logzioTransport != nil {
		if err := logzioTransport.Sync(); err != nil {
			log.Printf("Unable to flush logzio: %s", err)
			return
		}
		logzioTransport.sender.Drain()
	}
}
