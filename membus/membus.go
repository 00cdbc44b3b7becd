// Package membus implements in-process pub/sub transport. Every transport created on the bus owns its
// delivery goroutine, messages are delivered to subscribers in the order they were published.
package membus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/outofforest/tether"
	"github.com/outofforest/tether/loop"
	"github.com/outofforest/tether/tmr"
)

// ErrUnreachable is returned when unicast destination doesn't exist.
var ErrUnreachable = errors.New("destination unreachable")

const (
	localIP   = 0x7f000001
	firstPort = 20000
)

// Event describes message passing through the bus.
type Event struct {
	Topic     string
	Source    string
	Sequence  uint32
	Data      []byte
	Handshake bool

	// Unicast is set for handshakes sent directly to the node, Destination is meaningful then.
	Unicast     bool
	Destination tether.Destination
}

// Bus connects transports created on it.
type Bus struct {
	mu            sync.Mutex
	nextPort      uint16
	transports    map[uint16]*Transport
	publishers    map[string]*publisher
	subscriptions map[string]map[*subscription]struct{}
	tap           func(Event)
	drop          func(Event) bool
}

// New creates bus.
func New() *Bus {
	return &Bus{
		nextPort:      firstPort,
		transports:    map[uint16]*Transport{},
		publishers:    map[string]*publisher{},
		subscriptions: map[string]map[*subscription]struct{}{},
	}
}

// Tap installs function observing every message sent through the bus, including dropped ones.
func (b *Bus) Tap(f func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tap = f
}

// Drop installs filter. Messages for which f returns true are not delivered.
func (b *Bus) Drop(f func(Event) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.drop = f
}

// NewTransport creates transport attached to the bus. Transport must be run before it delivers anything.
func (b *Bus) NewTransport(name string) *Transport {
	b.mu.Lock()
	defer b.mu.Unlock()

	port := b.nextPort
	b.nextPort++

	t := &Transport{
		bus:  b,
		name: name,
		loop: loop.New(),
		address: tether.Address{
			DomainID: tether.NoDomain,
			IP:       localIP,
			Port:     port,
		},
		publishers:    map[*publisher]struct{}{},
		subscriptions: map[*subscription]struct{}{},
	}
	b.transports[port] = t
	return t
}

// passLocked reports to the tap and decides if message should be delivered.
func (b *Bus) passLocked(e Event) bool {
	if b.tap != nil {
		b.tap(e)
	}
	return b.drop == nil || !b.drop(e)
}

var _ tether.Transport = &Transport{}

// Transport is the in-process transport.
type Transport struct {
	bus     *Bus
	name    string
	loop    *loop.Loop
	address tether.Address

	// Guarded by bus mutex.
	nextPublisher uint64
	handler       func(data []byte)
	publishers    map[*publisher]struct{}
	subscriptions map[*subscription]struct{}
}

// Run runs the delivery goroutine of the transport.
func (t *Transport) Run(ctx context.Context) error {
	return t.loop.Run(ctx)
}

// Address returns the address of the transport.
func (t *Transport) Address() tether.Address {
	return t.address
}

// Scheduler returns the delivery goroutine of the transport.
func (t *Transport) Scheduler() tmr.Scheduler {
	return t.loop
}

// Publish creates publisher on topic.
func (t *Transport) Publish(topic string) (tether.Publisher, error) {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	t.nextPublisher++
	p := &publisher{
		transport: t,
		topic:     topic,
		name:      fmt.Sprintf("%s/%s/%d", t.name, topic, t.nextPublisher),
	}
	b.publishers[p.name] = p
	t.publishers[p] = struct{}{}

	for s := range b.subscriptions[topic] {
		s.announce(p.name)
	}
	return p, nil
}

// Subscribe subscribes observer to topic.
func (t *Transport) Subscribe(topic string, observer tether.Observer) (io.Closer, error) {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{
		transport: t,
		topic:     topic,
		observer:  observer,
		peers:     map[string]any{},
	}
	if b.subscriptions[topic] == nil {
		b.subscriptions[topic] = map[*subscription]struct{}{}
	}
	b.subscriptions[topic][s] = struct{}{}
	t.subscriptions[s] = struct{}{}

	for _, p := range b.publishers {
		if p.topic == topic {
			s.announce(p.name)
		}
	}
	return s, nil
}

// ListenHandshakes installs handler of unicast handshakes.
func (t *Transport) ListenHandshakes(handler func(data []byte)) (io.Closer, error) {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.handler != nil {
		return nil, errors.Errorf("handshake handler of transport %q already installed", t.name)
	}
	t.handler = handler
	return closerFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		t.handler = nil
		return nil
	}), nil
}

// SendHandshake sends unicast handshake to the node owning the destination.
func (t *Transport) SendHandshake(dest tether.Destination, data []byte) error {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	var target *Transport
	if dest.Source != "" {
		if p := b.publishers[dest.Source]; p != nil {
			target = p.transport
		}
	} else if dest.Address.IP == localIP {
		target = b.transports[dest.Address.Port]
	}
	if target == nil || target.handler == nil {
		return errors.Wrapf(ErrUnreachable, "destination %+v", dest)
	}

	data = clone(data)
	if !b.passLocked(Event{
		Data:        data,
		Handshake:   true,
		Unicast:     true,
		Destination: dest,
	}) {
		return nil
	}

	handler := target.handler
	target.loop.Post(func() {
		handler(data)
	})
	return nil
}

// Close closes all the publishers and subscriptions of the transport.
func (t *Transport) Close() error {
	b := t.bus
	b.mu.Lock()
	publishers := make([]*publisher, 0, len(t.publishers))
	for p := range t.publishers {
		publishers = append(publishers, p)
	}
	subscriptions := make([]*subscription, 0, len(t.subscriptions))
	for s := range t.subscriptions {
		subscriptions = append(subscriptions, s)
	}
	delete(b.transports, t.address.Port)
	b.mu.Unlock()

	var err error
	for _, p := range publishers {
		err = multierr.Append(err, p.Close())
	}
	for _, s := range subscriptions {
		err = multierr.Append(err, s.Close())
	}
	return err
}

type publisher struct {
	transport *Transport
	topic     string
	name      string

	// Guarded by bus mutex.
	sequence uint32
	closed   bool
}

func (p *publisher) Source() string {
	return p.name
}

func (p *publisher) Send(data []byte, handshake bool) error {
	b := p.transport.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.closed {
		return errors.Errorf("publisher %q is closed", p.name)
	}

	p.sequence++
	data = clone(data)
	if !b.passLocked(Event{
		Topic:     p.topic,
		Source:    p.name,
		Sequence:  p.sequence,
		Data:      data,
		Handshake: handshake,
	}) {
		return nil
	}

	for s := range b.subscriptions[p.topic] {
		s.deliver(p.name, p.sequence, data, handshake)
	}
	return nil
}

func (p *publisher) Close() error {
	b := p.transport.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	delete(b.publishers, p.name)
	delete(p.transport.publishers, p)

	for s := range b.subscriptions[p.topic] {
		s.remove(p.name)
	}
	return nil
}

type subscription struct {
	transport *Transport
	topic     string
	observer  tether.Observer

	// Guarded by bus mutex.
	closed bool

	// Accessed by the delivery goroutine only.
	peers   map[string]any
	removed bool
}

func (s *subscription) announce(source string) {
	s.transport.loop.Post(func() {
		s.peer(source)
	})
}

func (s *subscription) deliver(source string, seq uint32, data []byte, handshake bool) {
	s.transport.loop.Post(func() {
		peer, ok := s.peer(source)
		if !ok {
			return
		}
		s.observer.Receive(&tether.Datagram{
			Source:    source,
			Sequence:  seq,
			Data:      data,
			Handshake: handshake,
			Peer:      peer,
		})
	})
}

func (s *subscription) remove(source string) {
	s.transport.loop.Post(func() {
		if s.removed {
			return
		}
		peer, exists := s.peers[source]
		if !exists {
			return
		}
		delete(s.peers, source)
		s.observer.SourceRemoved(source, peer)
	})
}

// peer returns the observer object of the source, announcing the source if it is seen for the first time.
func (s *subscription) peer(source string) (any, bool) {
	if s.removed {
		return nil, false
	}
	if peer, exists := s.peers[source]; exists {
		return peer, true
	}
	peer := s.observer.SourceAdded(source)
	s.peers[source] = peer
	return peer, true
}

func (s *subscription) Close() error {
	b := s.transport.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	delete(b.subscriptions[s.topic], s)
	delete(s.transport.subscriptions, s)

	s.transport.loop.Post(func() {
		s.removed = true
		for source, peer := range s.peers {
			s.observer.SourceRemoved(source, peer)
		}
		s.peers = nil
	})
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func clone(data []byte) []byte {
	return append([]byte{}, data...)
}
