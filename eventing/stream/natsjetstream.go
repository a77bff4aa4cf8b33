package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"gopm/eventing"
	"gopm/logging"
	"gopm/messaging"
)

// JetStreamConfig configures the JetStream-backed event stream.
type JetStreamConfig struct {
	URL     string
	Conn    *nats.Conn
	Stream  string
	Subject string
	AckWait time.Duration
	Logger  logging.Logger

	// 可选：流参数
	MaxBytes int64 // 0 表示不设置
	Replicas int   // 0 表示默认
}

// JetStreamStream implements IEventStream on top of NATS JetStream.
//
// Stream positions map to JetStream stream sequence numbers, and the durable
// consumer name is the subscription name, so `origin`, `current` and `exact`
// start policies translate directly to DeliverAll, DeliverNew and
// StartSequence. Ack uses manual per-message acknowledgement.
type JetStreamStream struct {
	cfg      JetStreamConfig
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	active map[string]*jsSubscription

	mu sync.Mutex
}

// NewJetStreamStream builds a JetStream event stream.
func NewJetStreamStream(cfg JetStreamConfig) *JetStreamStream {
	if cfg.Stream == "" {
		cfg.Stream = "GOPM"
	}
	if cfg.Subject == "" {
		cfg.Subject = "gopm.events"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("stream.natsjetstream")
	}
	return &JetStreamStream{
		cfg:    cfg,
		logger: cfg.Logger,
		active: make(map[string]*jsSubscription),
	}
}

// Connect establishes the NATS connection and ensures the stream exists.
func (s *JetStreamStream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnection(); err != nil {
		return err
	}
	return s.ensureStream()
}

// Close drains all subscriptions and closes an owned connection.
func (s *JetStreamStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, sub := range s.active {
		sub.drainLocked()
		delete(s.active, name)
	}
	if s.ownsConn && s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.js = nil
	return nil
}

// Publish appends a domain event to the stream.
func (s *JetStreamStream) Publish(ctx context.Context, event eventing.IEvent) error {
	s.mu.Lock()
	js := s.js
	s.mu.Unlock()
	if js == nil {
		return errors.New("jetstream not connected")
	}

	data, err := marshalStreamEvent(event)
	if err != nil {
		return err
	}
	_, err = js.Publish(s.cfg.Subject, data)
	return err
}

// Subscribe creates a durable push consumer named after the subscription.
func (s *JetStreamStream) Subscribe(ctx context.Context, name string, from StartFrom) (ISubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.js == nil {
		if err := s.ensureConnection(); err != nil {
			return nil, err
		}
		if err := s.ensureStream(); err != nil {
			return nil, err
		}
	}
	if name == "" {
		return nil, ErrInvalidStartFrom
	}
	if _, taken := s.active[name]; taken {
		return nil, ErrSubscriptionNameTaken
	}

	opts, err := s.consumerOpts(name, from)
	if err != nil {
		return nil, err
	}

	jsub := &jsSubscription{
		stream:  s,
		name:    name,
		ch:      make(chan StreamEvent),
		done:    make(chan struct{}),
		pending: make(map[int64]*nats.Msg),
		logger:  s.logger,
	}

	natsSub, err := s.js.Subscribe(s.cfg.Subject, jsub.handleMsg, opts...)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return nil, ErrSubscriptionNameTaken
		}
		return nil, err
	}
	jsub.sub = natsSub
	s.active[name] = jsub
	return jsub, nil
}

// consumerOpts builds the subscribe options for the durable consumer.
//
// When the durable already exists (previous run ended without Drain, e.g. a
// crash or timeout abort), the server-side consumer config is authoritative
// and passing deliver-policy or start-sequence options would be rejected as
// a config mismatch. Bind to the existing consumer instead; redelivered
// positions at or below the caller's checkpoint are skipped by the consumer
// of this stream.
func (s *JetStreamStream) consumerOpts(name string, from StartFrom) ([]nats.SubOpt, error) {
	info, err := s.js.ConsumerInfo(s.cfg.Stream, name)
	if err == nil && info != nil {
		return []nats.SubOpt{
			nats.ManualAck(),
			nats.Bind(s.cfg.Stream, name),
		}, nil
	}
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, err
	}

	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.Durable(name),
		nats.AckWait(s.cfg.AckWait),
		nats.MaxAckPending(1), // 顺序消费：上一条 Ack 前不投递下一条
	}
	switch from.Policy {
	case StartFromOrigin:
		opts = append(opts, nats.DeliverAll())
	case StartFromCurrent:
		opts = append(opts, nats.DeliverNew())
	case StartFromExact:
		if from.Position < 0 {
			return nil, ErrInvalidStartFrom
		}
		opts = append(opts, nats.StartSequence(uint64(from.Position)+1))
	default:
		return nil, ErrInvalidStartFrom
	}
	return opts, nil
}

func (s *JetStreamStream) ensureConnection() error {
	if s.conn != nil && s.js != nil {
		return nil
	}
	if s.cfg.Conn != nil {
		s.conn = s.cfg.Conn
	} else {
		if s.cfg.URL == "" {
			s.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(s.cfg.URL)
		if err != nil {
			return err
		}
		s.conn = conn
		s.ownsConn = true
	}
	js, err := s.conn.JetStream()
	if err != nil {
		return err
	}
	s.js = js
	return nil
}

func (s *JetStreamStream) ensureStream() error {
	_, err := s.js.StreamInfo(s.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	sc := &nats.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.Subject},
		Retention: nats.LimitsPolicy, // 多个订阅名消费同一事件流
	}
	if s.cfg.MaxBytes > 0 {
		sc.MaxBytes = s.cfg.MaxBytes
	}
	if s.cfg.Replicas > 0 {
		sc.Replicas = s.cfg.Replicas
	}
	_, err = s.js.AddStream(sc)
	return err
}

// jsSubscription adapts a durable JetStream consumer to ISubscription.
type jsSubscription struct {
	stream *JetStreamStream
	name   string
	sub    *nats.Subscription
	ch     chan StreamEvent
	done   chan struct{}
	logger logging.Logger

	mu      sync.Mutex
	pending map[int64]*nats.Msg
	err     error

	closeOnce sync.Once
}

func (j *jsSubscription) handleMsg(msg *nats.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		j.logger.Warn(context.Background(), "read jetstream metadata failed", logging.Error(err))
		_ = msg.Term()
		return
	}
	decoded, err := unmarshalStreamEvent(msg.Data)
	if err != nil {
		// poison payload: never decodable, do not redeliver forever
		j.logger.Warn(context.Background(), "decode stream event failed", logging.Error(err),
			logging.Int64("position", int64(meta.Sequence.Stream)))
		_ = msg.Term()
		return
	}

	position := int64(meta.Sequence.Stream)
	j.mu.Lock()
	j.pending[position] = msg
	j.mu.Unlock()

	select {
	case j.ch <- StreamEvent{Position: position, Event: decoded}:
	case <-j.done:
	}
}

// Events 返回事件通道
func (j *jsSubscription) Events() <-chan StreamEvent {
	return j.ch
}

// Ack acknowledges the message at position and any earlier pending ones.
func (j *jsSubscription) Ack(ctx context.Context, position int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var lastErr error
	for pos, msg := range j.pending {
		if pos > position {
			continue
		}
		if err := msg.Ack(); err != nil {
			lastErr = err
			continue
		}
		delete(j.pending, pos)
	}
	return lastErr
}

// Err 返回终止原因
func (j *jsSubscription) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.err
}

// Close drains the consumer and releases the subscription name.
func (j *jsSubscription) Close() error {
	j.closeOnce.Do(func() {
		close(j.done)
		if j.sub != nil {
			_ = j.sub.Drain()
		}

		j.stream.mu.Lock()
		delete(j.stream.active, j.name)
		j.stream.mu.Unlock()
	})
	return nil
}

// drainLocked 在 stream 已持锁时关闭订阅
func (j *jsSubscription) drainLocked() {
	j.closeOnce.Do(func() {
		close(j.done)
		if j.sub != nil {
			_ = j.sub.Drain()
		}
	})
}

func marshalStreamEvent(event eventing.IEvent) ([]byte, error) {
	ts := event.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	env := eventing.Event{
		Message: messaging.Message{
			ID:        event.GetID(),
			Type:      event.GetType(),
			Timestamp: ts,
			Payload:   event.GetPayload(),
			Metadata:  event.GetMetadata(),
		},
		AggregateID:   event.GetAggregateID(),
		AggregateType: event.GetAggregateType(),
	}
	return json.Marshal(&env)
}

func unmarshalStreamEvent(data []byte) (eventing.IEvent, error) {
	var e eventing.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Ensure JetStreamStream implements IEventStream
var _ IEventStream = (*JetStreamStream)(nil)
