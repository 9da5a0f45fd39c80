package events

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// ActivityWriter subscribes to a broker and appends one JSON object per
// event to the activity log. The log is advisory; the `frestq activity`
// command aggregates it per pool.
type ActivityWriter struct {
	broker *Broker
	sub    Subscriber
	file   *os.File
	logger zerolog.Logger
	doneCh chan struct{}
}

// NewActivityWriter opens (appending) the activity log file and starts
// consuming events from the broker.
func NewActivityWriter(broker *Broker, path string) (*ActivityWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}

	w := &ActivityWriter{
		broker: broker,
		sub:    broker.Subscribe(),
		file:   file,
		logger: zerolog.New(file).With().Timestamp().Logger(),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *ActivityWriter) run() {
	defer close(w.doneCh)
	for event := range w.sub {
		entry := w.logger.Info().Str("action", string(event.Type))
		if event.Queue != "" {
			entry = entry.Str("queue", event.Queue)
		}
		if event.JobName != "" {
			entry = entry.Str("func_name", event.JobName)
		}
		if event.Max > 0 {
			entry = entry.Int("max", event.Max)
		}
		if event.Error != "" {
			entry = entry.Str("error", event.Error)
		}
		entry.Send()
	}
}

// Close unsubscribes and closes the log file.
func (w *ActivityWriter) Close() error {
	w.broker.Unsubscribe(w.sub)
	<-w.doneCh
	return w.file.Close()
}
