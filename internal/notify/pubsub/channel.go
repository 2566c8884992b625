// Package pubsub publishes announcement events to a Google Cloud Pub/Sub
// topic so downstream consumers can react to new bulletins.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/notify"
)

// Event is the JSON document published for each notification.
type Event struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Attachments []string  `json:"attachments,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Publisher sends raw messages and waits for the server ack.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// Channel implements notify.Channel on a Publisher.
type Channel struct {
	pub Publisher
	now func() time.Time
}

var _ notify.Channel = (*Channel)(nil)

// New wraps pub.
func New(pub Publisher) (*Channel, error) {
	if pub == nil {
		return nil, errors.New("pubsub publisher is not configured")
	}
	return &Channel{pub: pub, now: time.Now}, nil
}

// Name implements notify.Channel.
func (*Channel) Name() string { return "pubsub" }

// Send marshals an Event and publishes it. Only attachment file names are
// sent; the files stay local.
func (c *Channel) Send(ctx context.Context, msg notify.Message) error {
	names := make([]string, 0, len(msg.Attachments))
	for _, p := range msg.Attachments {
		names = append(names, filepath.Base(p))
	}
	data, err := json.Marshal(Event{
		Title:       msg.Title,
		Summary:     msg.Body,
		Attachments: names,
		SentAt:      c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := c.pub.Publish(ctx, data, map[string]string{"type": "bulletin"}); err != nil {
		return err
	}
	return nil
}

// TopicPublisher adapts a Pub/Sub topic handle.
type TopicPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewTopicPublisher connects to projectID and checks that topic exists
// before returning a publisher for it.
func NewTopicPublisher(ctx context.Context, projectID, topic string, opts ...option.ClientOption) (*TopicPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	t := client.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topic, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", topic)
	}
	return &TopicPublisher{client: client, topic: t}, nil
}

// Publish implements Publisher.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *TopicPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
