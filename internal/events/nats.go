package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/playchat/internal/logger"
)

const (
	StreamName     = "PLAYCHAT"
	SubjectPrefix  = "playchat."
	SubjectPattern = SubjectPrefix + ">"

	publishTimeout = 5 * time.Second
)

// NATSPublisher writes events to a JetStream stream. Subjects are prefixed with
// SubjectPrefix, e.g. playchat.chat.message.sent.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSPublisher connects and makes sure the stream exists (idempotent).
func NewNATSPublisher(ctx context.Context, url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("playchat-api"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPattern},
		Storage:  jetstream.FileStorage,
		Replicas: 1,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return &NATSPublisher{nc: nc, js: js}, nil
}

// Publish runs in the background; a failure is only logged.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("events: marshal %s: %v", subject, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := p.js.Publish(ctx, SubjectPrefix+subject, data); err != nil {
			logger.Errorf("events: publish %s: %v", subject, err)
		}
	}()
}

func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
