package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/finsight/internal/analytics"
	"github.com/smallbiznis/finsight/internal/config"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	"go.uber.org/zap"
)

const (
	messageType       = "report.dispatch"
	fingerprintHeader = "x-snapshot-fingerprint"
	attemptHeader     = "x-dispatch-attempt"
)

var (
	ErrChannelClosed = errors.New("amqp channel closed")
	ErrNack          = errors.New("amqp publish nacked")
)

// message is the JSON body consumed by the report renderer.
type message struct {
	JobID          string              `json:"job_id"`
	IdempotencyKey string              `json:"idempotency_key"`
	UserID         string              `json:"user_id"`
	Frequency      string              `json:"frequency"`
	WindowStart    time.Time           `json:"window_start"`
	WindowEnd      time.Time           `json:"window_end"`
	Fingerprint    string              `json:"fingerprint"`
	Snapshot       json.RawMessage     `json:"snapshot"`
	Formatted      analytics.Formatted `json:"formatted"`
}

// Sink publishes jobs to a durable direct exchange with publisher confirms.
type Sink struct {
	mu         sync.Mutex
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	exchange   string
	queue      string
	routingKey string
	log        *zap.Logger
}

// Dial connects to the broker and declares the exchange, queue and binding.
func Dial(cfg config.AMQPConfig, log *zap.Logger) (*Sink, error) {
	conn, err := amqp091.Dial(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	s := &Sink{
		conn:       conn,
		exchange:   cfg.Exchange,
		queue:      cfg.Queue,
		routingKey: cfg.RoutingKey,
		log:        log.Named("dispatch").With(zap.String("component", "amqp_sink")),
	}
	if s.routingKey == "" {
		s.routingKey = s.queue
	}

	channel, err := s.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.setup(channel); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	s.channel = channel
	return s, nil
}

func (s *Sink) openChannel() (*amqp091.Channel, error) {
	channel, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return channel, nil
}

func (s *Sink) setup(channel *amqp091.Channel) error {
	if err := channel.ExchangeDeclare(
		s.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := channel.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.QueueBind(s.queue, s.routingKey, s.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Deliver publishes the job and waits for the broker confirm. Encoding
// failures are permanent; everything on the wire is transient.
func (s *Sink) Deliver(ctx context.Context, job *dispatchdomain.Job) error {
	publishing, err := encode(job)
	if err != nil {
		return dispatchdomain.Permanent(err)
	}

	channel, err := s.currentChannel()
	if err != nil {
		return dispatchdomain.Transient(err)
	}

	confirm, err := channel.PublishWithDeferredConfirmWithContext(ctx,
		s.exchange,
		s.routingKey,
		false, // mandatory
		false, // immediate
		publishing,
	)
	if err != nil {
		return dispatchdomain.Transient(fmt.Errorf("publish report: %w", err))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return dispatchdomain.Transient(fmt.Errorf("wait for confirm: %w", err))
	}
	if !acked {
		return dispatchdomain.Transient(ErrNack)
	}

	s.log.Info("report.dispatch.delivered",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("idempotency_key", job.IdempotencyKey()),
		zap.Uint64("delivery_tag", confirm.DeliveryTag),
	)
	return nil
}

// currentChannel reopens the channel after the broker closed it, e.g. on a
// channel-level exception.
func (s *Sink) currentChannel() (*amqp091.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil && !s.channel.IsClosed() {
		return s.channel, nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		return nil, ErrChannelClosed
	}
	channel, err := s.openChannel()
	if err != nil {
		return nil, errors.Join(ErrChannelClosed, err)
	}
	s.channel = channel
	s.log.Warn("amqp channel reopened")
	return channel, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.channel != nil && !s.channel.IsClosed() {
		err = errors.Join(err, s.channel.Close())
	}
	if s.conn != nil && !s.conn.IsClosed() {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

func encode(job *dispatchdomain.Job) (amqp091.Publishing, error) {
	if job == nil {
		return amqp091.Publishing{}, errors.New("nil job")
	}
	snapshot, err := job.Snapshot.MarshalCanonical()
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	body, err := json.Marshal(message{
		JobID:          job.ID.String(),
		IdempotencyKey: job.IdempotencyKey(),
		UserID:         job.UserID.String(),
		Frequency:      string(job.Frequency),
		WindowStart:    job.Window.Start,
		WindowEnd:      job.Window.End,
		Fingerprint:    job.Fingerprint,
		Snapshot:       snapshot,
		Formatted:      job.Snapshot.Formatted(),
	})
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}

	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    job.IdempotencyKey(),
		Type:         messageType,
		Timestamp:    job.CreatedAt,
		Headers: amqp091.Table{
			fingerprintHeader: job.Fingerprint,
			attemptHeader:     int32(job.Attempts),
		},
		Body: body,
	}, nil
}

var _ dispatchdomain.Sink = (*Sink)(nil)
