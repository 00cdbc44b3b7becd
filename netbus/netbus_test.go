package netbus_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/netbus"
)

const (
	maxMsgSize  = 1024
	waitTimeout = 10 * time.Second
	localIP     = 0x7f000001
)

type observer struct {
	mu       sync.Mutex
	sources  map[string]bool
	received []tether.Datagram
}

func newObserver() *observer {
	return &observer{sources: map[string]bool{}}
}

func (o *observer) SourceAdded(source string) any {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sources[source] = true
	return source
}

func (o *observer) SourceRemoved(source string, _ any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sources[source] = false
}

func (o *observer) Receive(dg *tether.Datagram) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.received = append(o.received, *dg)
}

func (o *observer) source(name string) (known, present bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	present, known = o.sources[name]
	return known, present
}

func (o *observer) datagrams() []tether.Datagram {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]tether.Datagram{}, o.received...)
}

func runBroker(t *testing.T) (string, func(ctx context.Context) error) {
	ls, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	return ls.Addr().String(), func(ctx context.Context) error {
		return netbus.RunBroker(ctx, ls, netbus.BrokerConfig{
			MaxMessageSize: maxMsgSize,
		})
	}
}

func newClient(t *testing.T, broker string) *netbus.Client {
	client, err := netbus.NewClient(netbus.ClientConfig{
		Broker:         broker,
		MaxMessageSize: maxMsgSize,
		IP:             localIP,
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestPublishThroughBroker(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	broker, brokerTask := runBroker(t)
	client1 := newClient(t, broker)
	client2 := newClient(t, broker)

	group.Spawn("broker", parallel.Fail, brokerTask)
	group.Spawn("client1", parallel.Fail, client1.Run)
	group.Spawn("client2", parallel.Fail, client2.Run)

	requireT.Eventually(client1.Connected, waitTimeout, time.Millisecond)
	requireT.Eventually(client2.Connected, waitTimeout, time.Millisecond)

	o := newObserver()
	sub, err := client2.Subscribe("topic", o)
	requireT.NoError(err)

	pub, err := client1.Publish("topic")
	requireT.NoError(err)

	requireT.Eventually(func() bool {
		known, present := o.source(pub.Source())
		return known && present
	}, waitTimeout, time.Millisecond)

	requireT.NoError(pub.Send([]byte("data"), false))
	requireT.NoError(pub.Send([]byte("handshake"), true))

	requireT.Eventually(func() bool {
		return len(o.datagrams()) == 2
	}, waitTimeout, time.Millisecond)

	dgs := o.datagrams()
	requireT.Equal([]byte("data"), dgs[0].Data)
	requireT.False(dgs[0].Handshake)
	requireT.Equal(uint32(1), dgs[0].Sequence)
	requireT.Equal([]byte("handshake"), dgs[1].Data)
	requireT.True(dgs[1].Handshake)
	requireT.Equal(uint32(2), dgs[1].Sequence)
	requireT.Equal(pub.Source(), dgs[1].Peer)

	requireT.NoError(pub.Close())
	requireT.Eventually(func() bool {
		known, present := o.source(pub.Source())
		return known && !present
	}, waitTimeout, time.Millisecond)

	requireT.NoError(sub.Close())
}

func TestUnicastThroughBroker(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	broker, brokerTask := runBroker(t)
	client1 := newClient(t, broker)
	client2 := newClient(t, broker)

	group.Spawn("broker", parallel.Fail, brokerTask)
	group.Spawn("client1", parallel.Fail, client1.Run)
	group.Spawn("client2", parallel.Fail, client2.Run)

	requireT.Eventually(client1.Connected, waitTimeout, time.Millisecond)
	requireT.Eventually(client2.Connected, waitTimeout, time.Millisecond)

	received := make(chan []byte, 10)
	_, err := client1.ListenHandshakes(func(data []byte) {
		received <- data
	})
	requireT.NoError(err)

	pub, err := client1.Publish("topic")
	requireT.NoError(err)

	// Announcement reaches the broker asynchronously, so the first handshakes might be dropped.
	requireT.Eventually(func() bool {
		if err := client2.SendHandshake(tether.Destination{Source: pub.Source()}, []byte{0x01}); err != nil {
			return false
		}
		select {
		case data := <-received:
			return data[0] == 0x01
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, waitTimeout, time.Millisecond)

	requireT.NoError(client2.SendHandshake(tether.Destination{Address: client1.Address()}, []byte{0x02}))
	for {
		select {
		case data := <-received:
			if data[0] == 0x02 {
				return
			}
		case <-ctx.Done():
			requireT.Fail("handshake not received")
			return
		}
	}
}
