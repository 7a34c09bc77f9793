// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/ferrors"
)

// NATSBus is the concrete bus.Bus implementation. It holds one core NATS
// connection (for RPC and embedded-server lifecycle), a JetStream context
// (for the three retention-tier streams), and a Watermill publisher whose
// Publish path is wrapped in a circuit breaker — grounded on
// eventprocessor.Publisher in the teacher repo.
type NATSBus struct {
	cfg      Config
	conn     *natsgo.Conn
	js       jetstream.JetStream
	embedded *embeddedServer

	publisher message.Publisher
	cb        *gobreaker.CircuitBreaker[interface{}]
	logger    watermill.LoggerAdapter
	zlog      zerolog.Logger

	rpcSubs []*natsgo.Subscription
}

// New connects (or starts an embedded server and connects) and ensures the
// three retention-tier streams exist.
func New(ctx context.Context, cfg Config, zlog zerolog.Logger) (*NATSBus, error) {
	b := &NATSBus{cfg: cfg, zlog: zlog, logger: newWatermillLogger(zlog)}

	url := cfg.URL
	if cfg.EmbeddedServer != nil {
		es, err := newEmbeddedServer(cfg.EmbeddedServer)
		if err != nil {
			return nil, ferrors.Bus("start embedded server", err)
		}
		b.embedded = es
		url = es.ClientURL()
	}

	conn, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				zlog.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			zlog.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
	)
	if err != nil {
		return nil, ferrors.Bus("connect", err)
	}
	b.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, ferrors.Bus("jetstream init", err)
	}
	b.js = js

	for _, sc := range cfg.streams() {
		if _, err := ensureStream(ctx, js, sc); err != nil {
			conn.Close()
			return nil, ferrors.Bus("ensure stream "+sc.Name, err)
		}
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		Marshaler:   &wmNats.NATSMarshaler{},
		NatsOptions: []natsgo.Option{natsgo.RetryOnFailedConnect(true)},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
		},
	}, b.logger)
	if err != nil {
		conn.Close()
		return nil, ferrors.Bus("create publisher", err)
	}
	b.publisher = pub

	b.cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cfg.CircuitBreaker.Name,
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zlog.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("bus publish circuit breaker state change")
		},
	})

	return b, nil
}

// ClientURL returns the URL clients should use to reach this bus (useful
// when an embedded server picked an ephemeral port).
func (b *NATSBus) ClientURL() string {
	if b.embedded != nil {
		return b.embedded.ClientURL()
	}
	return b.cfg.URL
}

func (b *NATSBus) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ferrors.Bus("marshal", err)
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.publisher.Publish(subject, msg)
	})
	if err != nil {
		// Best-effort per spec.md §4.3: a publish failure is logged, never
		// propagated as a fatal condition to the Controller that triggered it.
		b.zlog.Warn().Err(err).Str("subject", subject).Msg("bus publish failed")
		return ferrors.Bus("publish "+subject, err)
	}
	return nil
}

func (b *NATSBus) PublishRegistry(ctx context.Context, ev bus.RegistryEvent) error {
	return b.publish(bus.RegistrySubject(ev.Event, ev.ServiceID), ev)
}

func (b *NATSBus) PublishStatus(ctx context.Context, ev bus.StatusEvent) error {
	return b.publish(bus.StatusSubject(ev.ServiceID), ev)
}

func (b *NATSBus) PublishHeartbeat(ctx context.Context, ev bus.HeartbeatEvent) error {
	return b.publish(bus.HeartbeatSubject(ev.ServiceID), ev)
}

// consumerFor builds an ephemeral jetstream.Consumer for subject, starting
// either from new messages (deliverPolicy=DeliverNewPolicy, live follow) or
// from the beginning of the stream (DeliverAllPolicy, warm-start replay) —
// mirroring the DeliverNew()/BindStream() split in eventprocessor.Subscriber.
func (b *NATSBus) consumerFor(ctx context.Context, streamName, subject string, policy jetstream.DeliverPolicy) (jetstream.Consumer, error) {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("bind stream %s: %w", streamName, err)
	}
	return stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: policy,
		MaxAckPending: 1024,
	})
}

func streamForSubject(subject string) string {
	switch {
	case matchesWildcard(bus.RegistryWildcard, subject) || hasPrefix(subject, "svc.registry."):
		return string(StreamRegistry)
	case matchesWildcard(bus.StatusWildcard, subject) || hasPrefix(subject, "svc.status."):
		return string(StreamStatus)
	default:
		return string(StreamHeartbeat)
	}
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }

func matchesWildcard(wildcard, subject string) bool { return subject == wildcard }

type natsSubscription struct {
	cancel context.CancelFunc
}

func (s *natsSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}

func (b *NATSBus) subscribe(ctx context.Context, subject string, policy jetstream.DeliverPolicy, h bus.Handler) (bus.Subscription, error) {
	streamName := streamForSubject(subject)
	consumer, err := b.consumerFor(ctx, streamName, subject, policy)
	if err != nil {
		return nil, ferrors.Bus("create consumer for "+subject, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := h(subCtx, msg.Subject(), msg.Data()); err != nil {
			b.zlog.Warn().Err(err).Str("subject", msg.Subject()).Msg("bus handler failed")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, ferrors.Bus("consume "+subject, err)
	}

	go func() {
		<-subCtx.Done()
		consCtx.Stop()
	}()

	return &natsSubscription{cancel: cancel}, nil
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, h bus.Handler) (bus.Subscription, error) {
	return b.subscribe(ctx, subject, jetstream.DeliverNewPolicy, h)
}

// ReplayRegistry replays the full persisted registry history synchronously
// (blocking until the replay consumer has delivered every message pending
// when it was created), then stops the replay consumer — the warm-start
// behavior of spec.md §4.9. It leaves no live subscription running; callers
// Subscribe separately for live events. It returns at once when nothing is
// pending.
func (b *NATSBus) ReplayRegistry(ctx context.Context, subject string, h bus.Handler) error {
	consumer, err := b.consumerFor(ctx, string(StreamRegistry), subject, jetstream.DeliverAllPolicy)
	if err != nil {
		return ferrors.Bus("create replay consumer", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return ferrors.Bus("replay consumer info", err)
	}
	pending := info.NumPending

	if pending == 0 {
		return nil
	}

	done := make(chan struct{})
	var seen uint64
	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := h(ctx, msg.Subject(), msg.Data()); err != nil {
			b.zlog.Warn().Err(err).Str("subject", msg.Subject()).Msg("replay handler failed")
		}
		_ = msg.Ack()
		seen++
		if seen >= pending {
			close(done)
		}
	})
	if err != nil {
		return ferrors.Bus("consume replay", err)
	}
	defer consCtx.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return ferrors.Bus("replay timeout", fmt.Errorf("replay of %s did not complete in 30s", subject))
	}
}

func (b *NATSBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = b.cfg.RPCTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return nil, ferrors.Bus("rpc request "+subject, err)
	}
	return msg.Data, nil
}

func (b *NATSBus) RegisterRPCHandler(ctx context.Context, subject string, h bus.RPCHandler) (bus.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *natsgo.Msg) {
		resp, err := h(ctx, msg.Subject, msg.Data)
		if err != nil {
			b.zlog.Warn().Err(err).Str("subject", subject).Msg("rpc handler failed")
			return
		}
		if err := msg.Respond(resp); err != nil {
			b.zlog.Warn().Err(err).Str("subject", subject).Msg("rpc respond failed")
		}
	})
	if err != nil {
		return nil, ferrors.Bus("register rpc handler "+subject, err)
	}
	b.rpcSubs = append(b.rpcSubs, sub)
	return &coreSubscription{sub: sub}, nil
}

type coreSubscription struct {
	sub *natsgo.Subscription
}

func (s *coreSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (b *NATSBus) Close() error {
	if b.publisher != nil {
		_ = b.publisher.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embedded != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.embedded.Shutdown(ctx)
	}
	return nil
}

var _ bus.Bus = (*NATSBus)(nil)
