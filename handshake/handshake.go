package handshake

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Magic is the handshake header, the low byte carries the message kind.
const Magic uint32 = 0x7b138c00

// MaxTopicLen is the longest topic a connect request can carry.
const MaxTopicLen = 255

const (
	headerLen   = 4
	endpointLen = 4 + 4 + 4 + 2 + 4
	seqLen      = 4
	metaLenLen  = 4
)

// ErrProtocol is returned for malformed handshake buffers.
var ErrProtocol = errors.New("protocol error")

// Kind is the kind of handshake message.
type Kind uint8

// Handshake message kinds.
const (
	KindConnectRequest Kind = iota + 1
	KindConnectResponse
	KindConnectOK
	KindDisconnectRequest
	KindDisconnectResponse
	KindDisconnectOK
	KindDisconnectFinal
)

var kindNames = map[Kind]string{
	KindConnectRequest:     "CREQ",
	KindConnectResponse:    "CRSP",
	KindConnectOK:          "COK",
	KindDisconnectRequest:  "DREQ",
	KindDisconnectResponse: "DRSP",
	KindDisconnectOK:       "DOK",
	KindDisconnectFinal:    "DFIN",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether kind is one of the defined message kinds.
func (k Kind) Valid() bool {
	return k >= KindConnectRequest && k <= KindDisconnectFinal
}

// Endpoint identifies one side of a connection.
type Endpoint struct {
	ID       uint32
	DomainID int32
	IP       uint32
	Port     uint16
	ConnID   uint32
}

// Key returns the connection key derived from the endpoint. Only receiver endpoints produce
// meaningful keys.
func (e Endpoint) Key() string {
	if e.DomainID >= 0 {
		return fmt.Sprintf("%d,%d:%s:%d,%d", e.ID, e.DomainID, FormatIP(e.IP), e.Port, e.ConnID)
	}
	return fmt.Sprintf("%d,%s:%d,%d", e.ID, FormatIP(e.IP), e.Port, e.ConnID)
}

// FormatIP formats IPv4 address stored in host order.
func FormatIP(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// Message is a decoded handshake message. Fields not carried by the kind stay zero.
type Message struct {
	Kind     Kind
	Receiver Endpoint
	Source   Endpoint

	// Topic is carried by connect requests.
	Topic string

	// Sequence is the start sequence of connect OK and the end sequence of disconnect OK.
	Sequence uint32

	// Metadata is the source metadata of connect responses and the receiver metadata of connect
	// OKs.
	Metadata []byte
}

// Key returns the connection key of the message.
func (m *Message) Key() string {
	return m.Receiver.Key()
}

// Size returns the encoded size of the message.
func (m *Message) Size() int {
	switch m.Kind {
	case KindConnectRequest:
		return headerLen + endpointLen + 1 + len(m.Topic)
	case KindConnectResponse:
		return headerLen + 2*endpointLen + metaLenLen + len(m.Metadata)
	case KindConnectOK:
		return headerLen + 2*endpointLen + seqLen + metaLenLen + len(m.Metadata)
	case KindDisconnectOK:
		return headerLen + 2*endpointLen + seqLen
	default:
		return headerLen + 2*endpointLen
	}
}

// Encode encodes message.
func Encode(m *Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, errors.Wrapf(ErrProtocol, "unknown kind %d", m.Kind)
	}
	if m.Kind == KindConnectRequest {
		if len(m.Topic) == 0 {
			return nil, errors.Wrap(ErrProtocol, "empty topic")
		}
		if len(m.Topic) > MaxTopicLen {
			return nil, errors.Wrapf(ErrProtocol, "topic too long: %d", len(m.Topic))
		}
	}

	b := make([]byte, m.Size())
	binary.BigEndian.PutUint32(b, Magic|uint32(m.Kind))
	o := putEndpoint(b[headerLen:], m.Receiver) + headerLen

	if m.Kind == KindConnectRequest {
		b[o] = byte(len(m.Topic))
		copy(b[o+1:], m.Topic)
		return b, nil
	}

	o += putEndpoint(b[o:], m.Source)

	switch m.Kind {
	case KindConnectResponse:
		putMetadata(b[o:], m.Metadata)
	case KindConnectOK:
		binary.BigEndian.PutUint32(b[o:], m.Sequence)
		putMetadata(b[o+seqLen:], m.Metadata)
	case KindDisconnectOK:
		binary.BigEndian.PutUint32(b[o:], m.Sequence)
	}

	return b, nil
}

// PeekKind returns kind of the message without decoding the rest of it.
func PeekKind(b []byte) (Kind, error) {
	if len(b) < headerLen {
		return 0, errors.Wrap(ErrProtocol, "short buffer")
	}
	h := binary.BigEndian.Uint32(b)
	if h&0xffffff00 != Magic {
		return 0, errors.Wrapf(ErrProtocol, "bad magic %#08x", h&0xffffff00)
	}
	k := Kind(h & 0xff)
	if !k.Valid() {
		return 0, errors.Wrapf(ErrProtocol, "unknown kind %d", k)
	}
	return k, nil
}

// Decode decodes message. On error the returned message is zero.
func Decode(b []byte) (Message, error) {
	k, err := PeekKind(b)
	if err != nil {
		return Message{}, err
	}

	m := Message{Kind: k}
	b = b[headerLen:]

	if len(b) < endpointLen {
		return Message{}, errors.Wrap(ErrProtocol, "short buffer")
	}
	m.Receiver = getEndpoint(b)
	b = b[endpointLen:]

	if k == KindConnectRequest {
		if len(b) < 2 {
			return Message{}, errors.Wrap(ErrProtocol, "short buffer")
		}
		l := int(b[0])
		if l == 0 || l != len(b)-1 {
			return Message{}, errors.Wrapf(ErrProtocol, "bad topic length %d, %d bytes left", l, len(b)-1)
		}
		m.Topic = string(b[1:])
		return m, nil
	}

	if len(b) < endpointLen {
		return Message{}, errors.Wrap(ErrProtocol, "short buffer")
	}
	m.Source = getEndpoint(b)
	b = b[endpointLen:]

	switch k {
	case KindConnectResponse:
		if m.Metadata, err = getMetadata(b); err != nil {
			return Message{}, err
		}
	case KindConnectOK:
		if len(b) < seqLen {
			return Message{}, errors.Wrap(ErrProtocol, "short buffer")
		}
		m.Sequence = binary.BigEndian.Uint32(b)
		if m.Metadata, err = getMetadata(b[seqLen:]); err != nil {
			return Message{}, err
		}
	case KindDisconnectOK:
		if len(b) < seqLen {
			return Message{}, errors.Wrap(ErrProtocol, "short buffer")
		}
		m.Sequence = binary.BigEndian.Uint32(b)
	}

	return m, nil
}

func putEndpoint(b []byte, e Endpoint) int {
	binary.BigEndian.PutUint32(b, e.ID)
	binary.BigEndian.PutUint32(b[4:], uint32(e.DomainID))
	binary.BigEndian.PutUint32(b[8:], e.IP)
	binary.BigEndian.PutUint16(b[12:], e.Port)
	binary.BigEndian.PutUint32(b[14:], e.ConnID)
	return endpointLen
}

func getEndpoint(b []byte) Endpoint {
	return Endpoint{
		ID:       binary.BigEndian.Uint32(b),
		DomainID: int32(binary.BigEndian.Uint32(b[4:])),
		IP:       binary.BigEndian.Uint32(b[8:]),
		Port:     binary.BigEndian.Uint16(b[12:]),
		ConnID:   binary.BigEndian.Uint32(b[14:]),
	}
}

func putMetadata(b, metadata []byte) {
	binary.BigEndian.PutUint32(b, uint32(len(metadata)))
	copy(b[metaLenLen:], metadata)
}

func getMetadata(b []byte) ([]byte, error) {
	if len(b) < metaLenLen {
		return nil, errors.Wrap(ErrProtocol, "short buffer")
	}
	l := binary.BigEndian.Uint32(b)
	if uint64(l) != uint64(len(b)-metaLenLen) {
		return nil, errors.Wrapf(ErrProtocol, "bad metadata length %d, %d bytes left", l, len(b)-metaLenLen)
	}
	if l == 0 {
		return nil, nil
	}
	return append([]byte{}, b[metaLenLen:]...), nil
}
