package broker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	ChanBuffer    int
}

// NATS is a broker backed by core NATS subjects. Delivery is at-most-once
// and only reaches instances subscribed at publish time.
type NATS struct {
	nc         *nats.Conn
	chanBuffer int
	metrics    Metrics
}

var _ Broker = (*NATS)(nil)

func ConnectNATS(cfg NATSConfig, metrics Metrics) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return NewNATS(nc, cfg.ChanBuffer, metrics), nil
}

func NewNATS(nc *nats.Conn, chanBuffer int, metrics Metrics) *NATS {
	if chanBuffer <= 0 {
		chanBuffer = DefaultChanBuffer
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &NATS{nc: nc, chanBuffer: chanBuffer, metrics: metrics}
}

func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.metrics.OnPublish(subject)
	return nil
}

type natsSub struct {
	ch    chan Message
	subs  []*nats.Subscription
	close func()
}

func (b *NATS) Subscribe(_ context.Context, subjects ...string) (Subscription, error) {
	ch := make(chan Message, b.chanBuffer)
	subs := make([]*nats.Subscription, 0, len(subjects))

	var (
		lock     sync.Mutex
		closing  bool
		inflight sync.WaitGroup
		once     sync.Once
	)

	closeAll := func() {
		once.Do(func() {
			lock.Lock()
			closing = true
			lock.Unlock()
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			// callbacks already past the closing check must finish before
			// the channel is closed
			inflight.Wait()
			close(ch)
		})
	}

	for _, subject := range subjects {
		sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
			lock.Lock()
			if closing {
				lock.Unlock()
				return
			}
			inflight.Add(1)
			lock.Unlock()
			defer inflight.Done()

			select {
			case ch <- Message{Subject: m.Subject, Data: bytes.Clone(m.Data)}:
			default:
				b.metrics.OnDeliveryDropped()
			}
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	return &natsSub{ch: ch, subs: subs, close: closeAll}, nil
}

func (b *NATS) Close() error {
	b.nc.Close()
	return nil
}

func (s *natsSub) C() <-chan Message {
	return s.ch
}

func (s *natsSub) Close() {
	s.close()
}
