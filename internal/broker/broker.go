// Package broker fans events out across instances of the service.
package broker

import (
	"context"
	"strings"
)

// DefaultChanBuffer bounds every subscription channel. Deliveries to a full
// channel are dropped instead of blocking the publisher.
const DefaultChanBuffer = 64

type Broker interface {
	// Publish sends data to every current subscriber of subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers messages published on any of the subjects. Subjects
	// may use the "*" (one token) and ">" (remaining tokens) wildcards.
	Subscribe(ctx context.Context, subjects ...string) (Subscription, error)

	Close() error
}

// Metrics receives broker instrumentation callbacks.
type Metrics interface {
	OnPublish(subject string)
	OnDeliveryDropped()
}

type Subscription interface {
	C() <-chan Message
	Close()
}

type Message struct {
	Subject string
	Data    []byte
}

type nopMetrics struct{}

func (nopMetrics) OnPublish(string)   {}
func (nopMetrics) OnDeliveryDropped() {}

// subjectMatches reports whether subject matches pattern using NATS
// wildcard rules.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}
