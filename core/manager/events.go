package manager

import (
	"github.com/hannahhoward/go-pubsub"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/cfdp/core/dto"
	"go.uber.org/atomic"
)

// Subscriber receives transaction events.
type Subscriber func(ev dto.Event)

// Unsubscribe removes a subscriber.
type Unsubscribe func()

func dispatcher(evt pubsub.Event, subscriberFn pubsub.SubscriberFn) error {
	ev, ok := evt.(dto.Event)
	if !ok {
		return errors.New("wrong type of event")
	}
	cb, ok := subscriberFn.(Subscriber)
	if !ok {
		return errors.New("wrong type of subscriber")
	}
	cb(ev)
	return nil
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	PdusReceived  uint64
	PdusSent      uint64
	PdusDropped   uint64
	DecodeErrors  uint64
	BytesSent     uint64
	BytesReceived uint64
	Completed     uint64
	Failed        uint64
	Cancelled     uint64
	Active        int
}

type counters struct {
	pdusReceived  atomic.Uint64
	pdusSent      atomic.Uint64
	pdusDropped   atomic.Uint64
	decodeErrors  atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	cancelled     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PdusReceived:  c.pdusReceived.Load(),
		PdusSent:      c.pdusSent.Load(),
		PdusDropped:   c.pdusDropped.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		Completed:     c.completed.Load(),
		Failed:        c.failed.Load(),
		Cancelled:     c.cancelled.Load(),
	}
}

func (c *counters) outcome(code dto.EventCode) {
	switch code {
	case dto.EventCompleted:
		c.completed.Inc()
	case dto.EventFailed:
		c.failed.Inc()
	case dto.EventCancelled:
		c.cancelled.Inc()
	}
}
