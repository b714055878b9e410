package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sluice/cfg"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	Register("nats", func(config cfg.SinkConfiguration) (Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Stream, config.Topic)
	})
}

// NatsSink publishes outputs to a JetStream subject. Each message carries a
// Nats-Msg-Id derived from key and value, so a replayed output inside the
// stream's duplicate window is dropped by the server.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string

	mu      sync.Mutex
	ensured bool
}

// NewNatsSink connects to url and publishes to subject, stored in stream
// (derived from subject when empty).
func NewNatsSink(url, stream, subject string) (*NatsSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats sink requires a subject")
	}
	if stream == "" {
		stream = sanitizeStreamName(subject)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, stream: stream, subject: subject}, nil
}

// Put publishes one message with the output key in the "key" header
func (n *NatsSink) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: n.subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg, jetstream.WithMsgID(messageID(key, value))); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", key, n.subject, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ensured {
		return nil
	}
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       n.stream,
		Subjects:   []string{n.subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", n.stream, err)
	}
	n.ensured = true
	return nil
}

// Close releases the connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// messageID is stable for a (key, value) pair
func messageID(key string, value []byte) string {
	return key + ":" + strconv.FormatUint(xxhash.Sum64(value), 16)
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
// JetStream stream names can't contain ".", "*" or ">"
func sanitizeStreamName(subject string) string {
	result := []byte(subject)
	for i, c := range result {
		switch c {
		case '.', '*', '>', ' ':
			result[i] = '_'
		}
	}
	return string(result)
}
