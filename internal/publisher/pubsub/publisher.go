// Package pubsub publishes coordinator events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
// An empty topic on Publish selects the default topic.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// Open creates a Pub/Sub client for project.
func Open(ctx context.Context, project, defaultTopic string) (*Publisher, error) {
	if project == "" {
		return nil, errors.New("pubsub project is required")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	return New(client, defaultTopic), nil
}

// New wraps an existing client.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		publishers:   make(map[string]*pubsub.Publisher),
	}
}

// Publish marshals payload to JSON and publishes it with the trace context in
// the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	pub, err := p.publisher(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg.Attributes))

	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) publisher(topic string) (*pubsub.Publisher, error) {
	if p == nil || p.client == nil {
		return nil, errors.New("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub, nil
}

// Close flushes every topic publisher and closes the client.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.mu.Lock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	p.publishers = map[string]*pubsub.Publisher{}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close failed: %w", err)
	}
	return nil
}

// carrier adapts message attributes to propagation.TextMapCarrier.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
