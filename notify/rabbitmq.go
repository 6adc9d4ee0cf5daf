// Package notify publishes committed benefit-pool events.
//
// RabbitMQ publishes to a durable topic exchange with routing keys of the
// form "benefitpool.<event type>". Fallback logs instead, for deployments
// without a broker. Recorder keeps events in memory for tests.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/benefit-pool/insurance"
)

const routingPrefix = "benefitpool."

// Payload is the JSON body of a published event.
type Payload struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	EmployerID string            `json:"employer_id,omitempty"`
	EmployeeID string            `json:"employee_id,omitempty"`
	Amount     string            `json:"amount,omitempty"`
	Unit       string            `json:"unit,omitempty"`
	At         time.Time         `json:"at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Encode builds the routing key and body for e.
func Encode(e insurance.Event) (string, []byte, error) {
	p := Payload{
		ID:         e.ID,
		Type:       string(e.Type),
		EmployerID: string(e.EmployerID),
		EmployeeID: string(e.EmployeeID),
		At:         e.At.UTC(),
		Attributes: e.Attributes,
	}
	if e.Amount.Unit != "" {
		p.Amount = e.Amount.Value.String()
		p.Unit = string(e.Amount.Unit)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return routingPrefix + string(e.Type), body, nil
}

// =============================================================================
// RABBITMQ
// =============================================================================

type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      *zap.Logger
}

var _ insurance.Notifier = (*RabbitMQ)(nil)

// NewRabbitMQ dials the broker and declares the exchange.
func NewRabbitMQ(amqpURL, exchange string, log *zap.Logger) (*RabbitMQ, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if exchange == "" {
		return nil, errors.New("notify: exchange name is empty")
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		log:      log.Named("notify.rabbitmq"),
	}, nil
}

func (r *RabbitMQ) Notify(ctx context.Context, e insurance.Event) error {
	key, body, err := Encode(e)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(ctx, r.exchange, key, false, false, msg)
	if err == nil {
		return nil
	}

	// one retry on a fresh channel
	r.log.Warn("publish failed; reopening channel", zap.String("routing_key", key), zap.Error(err))
	ch, chErr := r.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	if exErr := declare(ch, r.exchange); exErr != nil {
		ch.Close()
		return errors.Join(err, exErr)
	}
	r.channel.Close()
	r.channel = ch
	return r.channel.PublishWithContext(ctx, r.exchange, key, false, false, msg)
}

func (r *RabbitMQ) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("notify: AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
