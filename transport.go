package tether

import (
	"io"

	"github.com/outofforest/tether/tmr"
)

// Address is the unicast address of a node.
type Address struct {
	DomainID int32
	IP       uint32
	Port     uint16
}

// Destination of unicast handshake. Source name takes precedence over the address.
type Destination struct {
	Source  string
	Address Address
}

// Datagram is the message delivered by transport to the subscriber.
type Datagram struct {
	Source    string
	Sequence  uint32
	Data      []byte
	Handshake bool

	// Peer is the value returned by Observer.SourceAdded for the source.
	Peer any
}

// Observer receives events of a subscription. All the methods are called on the delivery goroutine.
type Observer interface {
	SourceAdded(source string) any
	SourceRemoved(source string, peer any)
	Receive(dg *Datagram)
}

// Publisher publishes sequenced messages on a topic.
type Publisher interface {
	Source() string
	Send(data []byte, handshake bool) error
	Close() error
}

// Transport is the pub/sub transport used by node.
type Transport interface {
	// Address returns the address unicast handshakes might be sent to.
	Address() Address

	// Scheduler returns the delivery goroutine used to host timers.
	Scheduler() tmr.Scheduler

	Publish(topic string) (Publisher, error)
	Subscribe(topic string, observer Observer) (io.Closer, error)

	// ListenHandshakes installs handler receiving unicast handshakes addressed to this transport.
	ListenHandshakes(handler func(data []byte)) (io.Closer, error)
	SendHandshake(dest Destination, data []byte) error
}
