// Package messaging publishes chat events to NATS so other services can
// follow conversations without reading the document store.
package messaging

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectChat is the subject prefix of chat events, followed by
// ".<conversationId>".
const SubjectChat = "chat"

// NATSClient wraps the NATS connection.
type NATSClient struct {
	conn *nats.Conn
}

type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Name:          "directchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS. It returns an error if the initial
// connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Successfully connected to NATS")

	return &NATSClient{conn: nc}, nil
}

// ChatSubject is the subject events of a conversation are published on.
func ChatSubject(conversationId string) string {
	return SubjectChat + "." + conversationId
}

func (c *NATSClient) PublishChatMessage(conversationId string, data []byte) error {
	return c.conn.Publish(ChatSubject(conversationId), data)
}

// Close drains pending publishes and closes the connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("Unable to drain NATS connection")
		c.conn.Close()
	}
}
