// Package netbus implements pub/sub transport relaying messages through the broker over TCP.
package netbus

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/loop"
	"github.com/outofforest/tether/tmr"
	"github.com/outofforest/tether/wire"
)

// ErrNotConnected is returned when message is sent while connection to the broker is down.
var ErrNotConnected = errors.New("not connected to broker")

// DefaultReconnectDelay is the delay between attempts to connect to the broker.
const DefaultReconnectDelay = time.Second

// ClientConfig is the config of client.
type ClientConfig struct {
	Broker         string
	MaxMessageSize uint64

	// IP and Port form the address advertised to peers. Random port is chosen if Port is 0.
	IP   uint32
	Port uint16

	ReconnectDelay time.Duration
}

var _ tether.Transport = &Client{}

// Client is the transport connected to the broker.
type Client struct {
	config  ClientConfig
	peerID  wire.PeerID
	loop    *loop.Loop
	address tether.Address

	mu            sync.Mutex
	sendCh        chan outFrame
	nextPublisher uint64
	publishers    map[string]*publisher
	subscriptions map[string]map[*subscription]struct{}
	handler       func(data []byte)
}

// NewClient creates new client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Broker == "" {
		return nil, errors.New("no broker specified")
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}

	peerID, err := newPeerID()
	if err != nil {
		return nil, err
	}

	port := config.Port
	if port == 0 {
		port = binary.BigEndian.Uint16(peerID[:2]) | 0x8000
	}

	return &Client{
		config: config,
		peerID: peerID,
		loop:   loop.New(),
		address: tether.Address{
			DomainID: tether.NoDomain,
			IP:       config.IP,
			Port:     port,
		},
		publishers:    map[string]*publisher{},
		subscriptions: map[string]map[*subscription]struct{}{},
	}, nil
}

// Run runs client.
func (client *Client) Run(ctx context.Context) error {
	connConfig := resonance.Config{
		MaxMessageSize: client.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("loop", parallel.Fail, client.loop.Run)
		spawn("conn", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)

			for {
				err := resonance.RunClient(ctx, client.config.Broker, connConfig,
					func(ctx context.Context, c *resonance.Connection) error {
						return client.runConn(ctx, c)
					})

				if ctx.Err() != nil {
					return errors.WithStack(ctx.Err())
				}

				log.Error("Broker connection failed", zap.String("broker", client.config.Broker), zap.Error(err))
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-time.After(client.config.ReconnectDelay):
				}
			}
		})

		return nil
	})
}

// Connected returns true if connection to the broker is established.
func (client *Client) Connected() bool {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.sendCh != nil
}

// Address returns the address of the client.
func (client *Client) Address() tether.Address {
	return client.address
}

// Scheduler returns the delivery goroutine of the client.
func (client *Client) Scheduler() tmr.Scheduler {
	return client.loop
}

// Publish creates publisher on topic.
func (client *Client) Publish(topic string) (tether.Publisher, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	client.nextPublisher++
	p := &publisher{
		client: client,
		topic:  topic,
		name:   fmt.Sprintf("%x/%s/%d", client.peerID[:4], topic, client.nextPublisher),
	}
	client.publishers[p.name] = p
	client.sendLocked(outFrame{Frame: p.announceFrame()})

	return p, nil
}

// Subscribe subscribes observer to topic.
func (client *Client) Subscribe(topic string, observer tether.Observer) (io.Closer, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	s := &subscription{
		client:   client,
		topic:    topic,
		observer: observer,
		peers:    map[string]any{},
	}
	subs := client.subscriptions[topic]
	if subs == nil {
		subs = map[*subscription]struct{}{}
		client.subscriptions[topic] = subs
		client.sendLocked(outFrame{Frame: &wire.Frame{Kind: wire.FrameSubscribe, Topic: topic}})
	} else {
		// Broker announces sources only once per topic.
		for other := range subs {
			other.copyPeersTo(s)
			break
		}
	}
	subs[s] = struct{}{}

	return s, nil
}

// ListenHandshakes installs handler of unicast handshakes.
func (client *Client) ListenHandshakes(handler func(data []byte)) (io.Closer, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.handler != nil {
		return nil, errors.New("handshake handler already installed")
	}
	client.handler = handler
	return closerFunc(func() error {
		client.mu.Lock()
		defer client.mu.Unlock()

		client.handler = nil
		return nil
	}), nil
}

// SendHandshake sends unicast handshake through the broker.
func (client *Client) SendHandshake(dest tether.Destination, data []byte) error {
	f := &wire.Frame{
		Kind:      wire.FrameUnicast,
		Handshake: true,
	}
	if dest.Source != "" {
		f.Source = dest.Source
	} else {
		f.IP = uint64(dest.Address.IP)
		f.Port = uint64(dest.Address.Port)
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	if !client.sendLocked(outFrame{Frame: f, Payload: append([]byte{}, data...)}) {
		return errors.WithStack(ErrNotConnected)
	}
	return nil
}

// Close closes all the publishers and subscriptions of the client.
func (client *Client) Close() error {
	client.mu.Lock()
	publishers := make([]*publisher, 0, len(client.publishers))
	for _, p := range client.publishers {
		publishers = append(publishers, p)
	}
	var subscriptions []*subscription
	for _, subs := range client.subscriptions {
		for s := range subs {
			subscriptions = append(subscriptions, s)
		}
	}
	client.mu.Unlock()

	var err error
	for _, p := range publishers {
		err = multierr.Append(err, p.Close())
	}
	for _, s := range subscriptions {
		err = multierr.Append(err, s.Close())
	}
	return err
}

func (client *Client) runConn(ctx context.Context, c *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		PeerID: client.peerID,
		IP:     uint64(client.address.IP),
		Port:   uint64(client.address.Port),
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok || !helloMsg.IsBroker {
		return errors.New("hello message of broker expected")
	}

	sendCh := client.add()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer client.remove(sendCh)

			for {
				f, err := receiveFrame(c, m)
				if err != nil {
					return err
				}
				client.dispatch(ctx, f)
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for f := range sendCh {
				if err := sendFrame(c, m, f); err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}

// add installs the queue of the new connection and replays subscriptions and publishers to the broker.
func (client *Client) add() <-chan outFrame {
	ch := make(chan outFrame, queueSize)

	client.mu.Lock()
	defer client.mu.Unlock()

	client.sendCh = ch
	for topic := range client.subscriptions {
		client.sendLocked(outFrame{Frame: &wire.Frame{Kind: wire.FrameSubscribe, Topic: topic}})
	}
	for _, p := range client.publishers {
		client.sendLocked(outFrame{Frame: p.announceFrame()})
	}

	return ch
}

// remove closes the queue of the connection. Every source learned from the broker is withdrawn,
// broker announces them again after reconnection.
func (client *Client) remove(ch <-chan outFrame) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.sendCh == nil || (<-chan outFrame)(client.sendCh) != ch {
		return
	}
	close(client.sendCh)
	client.sendCh = nil

	for _, subs := range client.subscriptions {
		for s := range subs {
			s.removeAll()
		}
	}
}

func (client *Client) sendLocked(f outFrame) bool {
	if client.sendCh == nil {
		return false
	}
	client.sendCh <- f
	return true
}

func (client *Client) dispatch(ctx context.Context, f outFrame) {
	client.mu.Lock()
	defer client.mu.Unlock()

	switch f.Frame.Kind {
	case wire.FrameAnnounce:
		for s := range client.subscriptions[f.Frame.Topic] {
			s.announce(f.Frame.Source)
		}
	case wire.FrameWithdraw:
		for s := range client.subscriptions[f.Frame.Topic] {
			s.remove(f.Frame.Source)
		}
	case wire.FramePublish:
		for s := range client.subscriptions[f.Frame.Topic] {
			s.deliver(f.Frame.Source, uint32(f.Frame.Sequence), f.Payload, f.Frame.Handshake)
		}
	case wire.FrameUnicast:
		if handler := client.handler; handler != nil {
			client.loop.Post(func() {
				handler(f.Payload)
			})
		}
	default:
		logger.Get(ctx).Warn("Unexpected frame kind", zap.Uint64("kind", uint64(f.Frame.Kind)))
	}
}

type publisher struct {
	client *Client
	topic  string
	name   string

	// Guarded by client mutex.
	sequence uint32
	closed   bool
}

func (p *publisher) Source() string {
	return p.name
}

func (p *publisher) Send(data []byte, handshake bool) error {
	client := p.client
	client.mu.Lock()
	defer client.mu.Unlock()

	if p.closed {
		return errors.Errorf("publisher %q is closed", p.name)
	}

	p.sequence++
	if !client.sendLocked(outFrame{
		Frame: &wire.Frame{
			Kind:      wire.FramePublish,
			Topic:     p.topic,
			Source:    p.name,
			Sequence:  uint64(p.sequence),
			Handshake: handshake,
		},
		Payload: append([]byte{}, data...),
	}) {
		return errors.WithStack(ErrNotConnected)
	}
	return nil
}

func (p *publisher) Close() error {
	client := p.client
	client.mu.Lock()
	defer client.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	delete(client.publishers, p.name)
	client.sendLocked(outFrame{
		Frame: &wire.Frame{
			Kind:   wire.FrameWithdraw,
			Topic:  p.topic,
			Source: p.name,
		},
	})
	return nil
}

func (p *publisher) announceFrame() *wire.Frame {
	return &wire.Frame{
		Kind:   wire.FrameAnnounce,
		Topic:  p.topic,
		Source: p.name,
	}
}

type subscription struct {
	client   *Client
	topic    string
	observer tether.Observer

	// Guarded by client mutex.
	closed bool

	// Accessed by the delivery goroutine only.
	peers   map[string]any
	removed bool
}

func (s *subscription) announce(source string) {
	s.client.loop.Post(func() {
		s.peer(source)
	})
}

// copyPeersTo announces sources known to s to the new subscription of the same topic.
func (s *subscription) copyPeersTo(dst *subscription) {
	s.client.loop.Post(func() {
		for source := range s.peers {
			dst.peer(source)
		}
	})
}

func (s *subscription) deliver(source string, seq uint32, data []byte, handshake bool) {
	s.client.loop.Post(func() {
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
	s.client.loop.Post(func() {
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

func (s *subscription) removeAll() {
	s.client.loop.Post(func() {
		if s.removed {
			return
		}
		for source, peer := range s.peers {
			delete(s.peers, source)
			s.observer.SourceRemoved(source, peer)
		}
	})
}

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
	client := s.client
	client.mu.Lock()
	defer client.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	subs := client.subscriptions[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(client.subscriptions, s.topic)
		client.sendLocked(outFrame{Frame: &wire.Frame{Kind: wire.FrameUnsubscribe, Topic: s.topic}})
	}

	client.loop.Post(func() {
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

func newPeerID() (wire.PeerID, error) {
	var id wire.PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return wire.PeerID{}, errors.WithStack(err)
	}
	return id, nil
}
