// Package rabbitmq publishes JSON events to a topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// channel is the part of *amqp.Channel the producer uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Producer publishes events to one durable topic exchange.
type Producer struct {
	exchange string

	mu       sync.Mutex
	ch       channel
	conn     *amqp.Connection
	declared bool
}

// NormalizeURL trims quotes and whitespace from raw and checks the scheme.
func NormalizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), `"'`)
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", eris.Wrap(err, "rabbitmq: parse url")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", eris.New("rabbitmq: url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// Dial connects to amqpURL and opens a channel for publishing to exchange.
func Dial(amqpURL, exchange string) (*Producer, error) {
	clean, err := NormalizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, eris.Wrap(err, "rabbitmq: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, eris.Wrap(err, "rabbitmq: open channel")
	}
	p := newProducer(ch, exchange)
	p.conn = conn
	return p, nil
}

func newProducer(ch channel, exchange string) *Producer {
	return &Producer{ch: ch, exchange: exchange}
}

// Publish marshals body to JSON and publishes it with routingKey. The
// exchange is declared on first use.
func (p *Producer) Publish(ctx context.Context, routingKey string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "rabbitmq: marshal event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return eris.Wrapf(err, "rabbitmq: declare exchange %s", p.exchange)
		}
		p.declared = true
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         data,
	})
	if err != nil {
		return eris.Wrapf(err, "rabbitmq: publish %s", routingKey)
	}
	zap.L().Debug("rabbitmq: published",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

// Close closes the channel and connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return eris.Wrap(err, "rabbitmq: close")
}
