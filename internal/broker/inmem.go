package broker

import (
	"bytes"
	"context"
	"sync"
)

// InMem is a process-local broker. Messages never leave the process.
type InMem struct {
	chanBuffer int
	metrics    Metrics
	lock       sync.RWMutex
	subs       map[*memSub]struct{}
}

var _ Broker = (*InMem)(nil)

type memSub struct {
	ch       chan Message
	patterns []string
	broker   *InMem
	once     sync.Once
}

func NewInMem(chanBuffer int, metrics Metrics) *InMem {
	if chanBuffer <= 0 {
		chanBuffer = DefaultChanBuffer
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &InMem{
		chanBuffer: chanBuffer,
		metrics:    metrics,
		subs:       make(map[*memSub]struct{}),
	}
}

func (b *InMem) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	b.metrics.OnPublish(subject)
	for sub := range b.subs {
		if !sub.matches(subject) {
			continue
		}

		select {
		case sub.ch <- Message{Subject: subject, Data: bytes.Clone(data)}:
		default:
			b.metrics.OnDeliveryDropped()
		}
	}

	return nil
}

func (b *InMem) Subscribe(_ context.Context, subjects ...string) (Subscription, error) {
	sub := &memSub{
		ch:       make(chan Message, b.chanBuffer),
		patterns: subjects,
		broker:   b,
	}

	b.lock.Lock()
	b.subs[sub] = struct{}{}
	b.lock.Unlock()

	return sub, nil
}

func (b *InMem) Close() error {
	b.lock.Lock()
	subs := make([]*memSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.lock.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *memSub) matches(subject string) bool {
	for _, p := range s.patterns {
		if subjectMatches(p, subject) {
			return true
		}
	}
	return false
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() {
	s.once.Do(func() {
		s.broker.lock.Lock()
		delete(s.broker.subs, s)
		s.broker.lock.Unlock()
		close(s.ch)
	})
}
