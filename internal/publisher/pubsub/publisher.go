// Package pubsub implements an operation.Publisher on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Publisher routes lifecycle payloads to Pub/Sub topics. Topic handles are
// cached so the client keeps one batching publisher per topic.
type Publisher struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an existing Pub/Sub client.
func New(client *pubsub.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Connect dials Pub/Sub using Application Default Credentials.
func Connect(ctx context.Context, projectID string, logger *zap.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client, logger), nil
}

// Verify confirms the topic exists before the engine starts publishing to it.
func (p *Publisher) Verify(ctx context.Context, topicID string) error {
	ok, err := p.topic(topicID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !ok {
		return fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return nil
}

// Publish marshals the payload to JSON, publishes it, and blocks until the
// server acknowledges. It returns the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topicID string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic(topicID).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t
	}
	t := p.client.Topic(id)
	p.topics[id] = t
	return t
}

// Close stops the per-topic publishers, flushing buffered messages, and
// closes the underlying client connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
