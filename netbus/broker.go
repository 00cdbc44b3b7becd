package netbus

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
	"github.com/outofforest/tether/wire"
)

const queueSize = 128

type outFrame struct {
	Frame   *wire.Frame
	Payload []byte
}

type endpoint struct {
	IP   uint64
	Port uint64
}

type sourceOwner struct {
	Topic string
	Peer  wire.PeerID
}

type brokerConn struct {
	Sender   chan<- outFrame
	Receiver <-chan outFrame
	Address  endpoint
	Topics   map[string]struct{}
}

type brokerConns struct {
	mu        sync.Mutex
	conns     map[wire.PeerID]*brokerConn
	sources   map[string]sourceOwner
	addresses map[endpoint]wire.PeerID
}

func newBrokerConns() *brokerConns {
	return &brokerConns{
		conns:     map[wire.PeerID]*brokerConn{},
		sources:   map[string]sourceOwner{},
		addresses: map[endpoint]wire.PeerID{},
	}
}

func (c *brokerConns) Add(hello *wire.Hello) <-chan outFrame {
	ch := make(chan outFrame, queueSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[hello.PeerID]; ok {
		c.dropLocked(hello.PeerID, conn)
	}

	addr := endpoint{IP: hello.IP, Port: hello.Port}
	c.conns[hello.PeerID] = &brokerConn{
		Sender:   ch,
		Receiver: ch,
		Address:  addr,
		Topics:   map[string]struct{}{},
	}
	c.addresses[addr] = hello.PeerID

	return ch
}

func (c *brokerConns) Remove(peerID wire.PeerID, ch <-chan outFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, exists := c.conns[peerID]; exists && conn.Receiver == ch {
		c.dropLocked(peerID, conn)
	}
}

// dropLocked forgets the connection and withdraws every source published through it.
func (c *brokerConns) dropLocked(peerID wire.PeerID, conn *brokerConn) {
	delete(c.conns, peerID)
	close(conn.Sender)
	if c.addresses[conn.Address] == peerID {
		delete(c.addresses, conn.Address)
	}

	for source, owner := range c.sources {
		if owner.Peer != peerID {
			continue
		}
		delete(c.sources, source)
		c.broadcastLocked(owner.Topic, outFrame{
			Frame: &wire.Frame{
				Kind:   wire.FrameWithdraw,
				Topic:  owner.Topic,
				Source: source,
			},
		})
	}
}

func (c *brokerConns) Handle(ctx context.Context, peerID wire.PeerID, f outFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, exists := c.conns[peerID]
	if !exists {
		return
	}

	switch f.Frame.Kind {
	case wire.FrameSubscribe:
		conn.Topics[f.Frame.Topic] = struct{}{}
		for source, owner := range c.sources {
			if owner.Topic == f.Frame.Topic {
				conn.Sender <- outFrame{
					Frame: &wire.Frame{
						Kind:   wire.FrameAnnounce,
						Topic:  owner.Topic,
						Source: source,
					},
				}
			}
		}
	case wire.FrameUnsubscribe:
		delete(conn.Topics, f.Frame.Topic)
	case wire.FrameAnnounce:
		c.sources[f.Frame.Source] = sourceOwner{Topic: f.Frame.Topic, Peer: peerID}
		c.broadcastLocked(f.Frame.Topic, f)
	case wire.FrameWithdraw:
		if owner, exists := c.sources[f.Frame.Source]; exists && owner.Peer == peerID {
			delete(c.sources, f.Frame.Source)
			c.broadcastLocked(owner.Topic, f)
		}
	case wire.FramePublish:
		c.broadcastLocked(f.Frame.Topic, f)
	case wire.FrameUnicast:
		target, exists := c.routeLocked(f.Frame)
		if !exists {
			logger.Get(ctx).Debug("Unicast frame dropped", zap.String("source", f.Frame.Source),
				zap.Uint64("ip", f.Frame.IP), zap.Uint64("port", f.Frame.Port))
			return
		}
		target.Sender <- f
	default:
		logger.Get(ctx).Warn("Unknown frame kind", zap.Uint64("kind", uint64(f.Frame.Kind)))
	}
}

func (c *brokerConns) routeLocked(f *wire.Frame) (*brokerConn, bool) {
	var peerID wire.PeerID
	if f.Source != "" {
		owner, exists := c.sources[f.Source]
		if !exists {
			return nil, false
		}
		peerID = owner.Peer
	} else {
		var exists bool
		peerID, exists = c.addresses[endpoint{IP: f.IP, Port: f.Port}]
		if !exists {
			return nil, false
		}
	}
	conn, exists := c.conns[peerID]
	return conn, exists
}

func (c *brokerConns) broadcastLocked(topic string, f outFrame) {
	for _, conn := range c.conns {
		if _, exists := conn.Topics[topic]; exists {
			conn.Sender <- f
		}
	}
}

// BrokerConfig defines broker configuration.
type BrokerConfig struct {
	MaxMessageSize uint64
}

// RunBroker runs broker relaying frames between clients.
func RunBroker(ctx context.Context, ls net.Listener, config BrokerConfig) error {
	brokerID, err := newPeerID()
	if err != nil {
		return err
	}

	conns := newBrokerConns()
	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	return resonance.RunServer(ctx, ls, connConfig,
		func(ctx context.Context, c *resonance.Connection) error {
			return runBrokerConn(ctx, brokerID, c, conns)
		})
}

func runBrokerConn(
	ctx context.Context,
	brokerID wire.PeerID,
	c *resonance.Connection,
	conns *brokerConns,
) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		PeerID:   brokerID,
		IsBroker: true,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}
	if helloMsg.IsBroker {
		return errors.New("broker can't connect to broker")
	}

	sendCh := conns.Add(helloMsg)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer conns.Remove(helloMsg.PeerID, sendCh)

			for {
				f, err := receiveFrame(c, m)
				if err != nil {
					return err
				}
				conns.Handle(ctx, helloMsg.PeerID, f)
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

func receiveFrame(c *resonance.Connection, m wire.Marshaller) (outFrame, error) {
	msg, err := c.ReceiveProton(m)
	if err != nil {
		return outFrame{}, err
	}

	frame, ok := msg.(*wire.Frame)
	if !ok {
		return outFrame{}, errors.New("frame expected")
	}

	f := outFrame{Frame: frame}
	if frame.HasPayload() {
		f.Payload, err = c.ReceiveRawBytes()
		if err != nil {
			return outFrame{}, err
		}
		f.Payload = append([]byte{}, f.Payload...)
	}
	return f, nil
}

func sendFrame(c *resonance.Connection, m wire.Marshaller, f outFrame) error {
	if err := c.SendProton(f.Frame, m); err != nil {
		return err
	}
	if f.Frame.HasPayload() {
		return c.SendRawBytes(f.Payload)
	}
	return nil
}
