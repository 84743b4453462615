package simserver

import (
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// Publisher fans ride lifecycle events out to downstream consumers
// (analytics, billing simulation). Publishing is best-effort.
type Publisher interface {
	Publish(topic string, message interface{}) error
	Stop()
}

// NopPublisher drops every message. Used when no NSQ daemon is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(string, interface{}) error { return nil }
func (NopPublisher) Stop()                             {}

// NSQPublisher publishes messages to an NSQ daemon
type NSQPublisher struct {
	producer *nsq.Producer
}

// NewNSQPublisher creates a producer and verifies daemon connectivity
func NewNSQPublisher(address string) (*NSQPublisher, error) {
	config := nsq.NewConfig()
	producer, err := nsq.NewProducer(address, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}

	if err := producer.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping NSQ daemon: %w", err)
	}

	return &NSQPublisher{producer: producer}, nil
}

// Publish sends a JSON-encoded message to the topic
func (p *NSQPublisher) Publish(topic string, message interface{}) error {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.producer.Publish(topic, msgBytes); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Stop gracefully stops the producer
func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}
