package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/events"
)

// Publisher sends one message to a topic
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Sink forwards every event it receives to <prefix>/<type>.
// Publish failures are logged and dropped.
type Sink struct {
	pub    Publisher
	prefix string
	logger *logrus.Logger

	failing bool
}

// NewSink creates a sink. A nil logger falls back to logrus.New().
func NewSink(pub Publisher, prefix string, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{pub: pub, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

// Run drains sub until ctx is cancelled or the subscription ends
func (s *Sink) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.logger.Debug("MQTT sink subscription ended")
				return
			}
			s.Handle(ev)
		}
	}
}

// Handle publishes one event
func (s *Sink) Handle(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"type": ev.Type, "error": err}).Warn("Failed to encode event for MQTT")
		return
	}

	topic := s.Topic(ev.Type)
	if err := s.pub.Publish(topic, payload); err != nil {
		// Warn on the first failure of a streak, then stay quiet until a publish succeeds
		entry := s.logger.WithFields(logrus.Fields{"topic": topic, "error": err})
		if s.failing {
			entry.Debug("MQTT publish failed")
		} else {
			entry.Warn("MQTT publish failed")
		}
		s.failing = true
		return
	}
	if s.failing {
		s.logger.Info("MQTT publishing resumed")
		s.failing = false
	}
}

// Topic returns the topic an event type is published to
func (s *Sink) Topic(typ events.Type) string {
	return s.prefix + "/" + string(typ)
}
