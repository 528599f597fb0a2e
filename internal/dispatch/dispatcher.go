// Package dispatch routes detection messages from a subscription
// topic to the set of recorders associated with that topic. It
// performs no business logic beyond topic lookup and a fan-out call.
package dispatch

import (
	"encoding/json"
	"log/slog"
)

// Trigger is the minimal surface a dispatch target needs: something
// that can be told a detection just happened. *recording.Recorder
// satisfies this.
type Trigger interface {
	TriggerDetection()
}

// Subscriber is the subset of the bus client the dispatcher needs.
type Subscriber interface {
	Subscribe(topic string, handler func(data []byte)) error
}

// Dispatcher holds the topic -> recorders mapping built at startup
// and fans out incoming messages.
type Dispatcher struct {
	byTopic map[string][]Trigger
	logger  *slog.Logger
}

// New builds a Dispatcher from a pre-built topic -> recorders map.
func New(byTopic map[string][]Trigger, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		byTopic: byTopic,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Subscribe subscribes to every distinct topic in the map via sub.
func (d *Dispatcher) Subscribe(sub Subscriber) error {
	for topic := range d.byTopic {
		topic := topic
		if err := sub.Subscribe(topic, func(data []byte) {
			d.handle(topic, data)
		}); err != nil {
			return err
		}
	}
	return nil
}

// handle parses the payload, logs and drops on malformed input, and
// unwraps the optional nested `payload` field -- every other field,
// including `timestamp`, is informational only: the trigger fires
// even if it's absent.
// fans the trigger out to every recorder bound to topic.
func (d *Dispatcher) handle(topic string, data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		d.logger.Warn("dropping malformed message", "topic", topic, "error", err)
		return
	}

	if inner, ok := raw["payload"]; ok {
		var unwrapped map[string]json.RawMessage
		if err := json.Unmarshal(inner, &unwrapped); err == nil {
			raw = unwrapped
		}
	}

	recorders, ok := d.byTopic[topic]
	if !ok || len(recorders) == 0 {
		d.logger.Debug("no recorder for topic", "topic", topic)
		return
	}

	d.logger.Info("detection received", "topic", topic, "timestamp", string(raw["timestamp"]))

	for _, rec := range recorders {
		rec.TriggerDetection()
	}
}
