package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

// AllProxies subscribes an observer to the envelopes of every proxy.
const AllProxies = "*"

// Event is one accepted envelope as seen by observers.
type Event struct {
	ProxyID    string         `json:"proxyId"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Envelope   proto.Envelope `json:"envelope"`
}

type Observer interface {
	ID() string
	Send(Event) error
}

// Broker fans accepted envelopes out to observers subscribed by proxy id.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[Observer]struct{} // proxy id to hashset of observers
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[Observer]struct{}),
	}
}

func (b *Broker) Subscribe(proxyID string, o Observer) {
	slog.Debug("Subscribing", "proxy_id", proxyID, "observer", o.ID())
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[proxyID] == nil {
		b.subs[proxyID] = make(map[Observer]struct{})
	}
	b.subs[proxyID][o] = struct{}{}
}

func (b *Broker) Publish(ev Event) int {
	b.mu.RLock()
	targets := make([]Observer, 0, len(b.subs[ev.ProxyID])+len(b.subs[AllProxies]))
	for o := range b.subs[ev.ProxyID] {
		targets = append(targets, o)
	}
	if ev.ProxyID != AllProxies {
		for o := range b.subs[AllProxies] {
			targets = append(targets, o)
		}
	}
	b.mu.RUnlock()

	sentCount := 0
	for _, o := range targets {
		if err := o.Send(ev); err != nil {
			slog.Warn("There was an error publishing an envelope to an observer", "proxy_id", ev.ProxyID, "observer", o.ID(), "error", err.Error())
			continue
		}
		sentCount++
	}
	slog.Debug("Envelope published",
		"proxy_id", ev.ProxyID,
		"seq", ev.Envelope.Seq,
		"observers", sentCount,
	)
	return sentCount
}

func (b *Broker) Unsubscribe(proxyID string, o Observer) {
	slog.Debug("Unsubscribing", "proxy_id", proxyID, "observer", o.ID())
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[proxyID]; ok {
		if _, exists := subs[o]; exists {
			delete(subs, o)
		} else {
			slog.Warn("Did not find observer in subscriptions", "proxy_id", proxyID, "observer", o.ID())
		}
		if len(subs) == 0 {
			delete(b.subs, proxyID)
		}
	}
}

func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
