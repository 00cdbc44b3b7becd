package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id1 uint64 = iota + 1
	id0
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Frame{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id1, nil
	case *Frame:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size1(msg2), nil
	case *Frame:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id1, marshal1(msg2, buf), nil
	case *Frame:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id1:
		msg := &Hello{}
		return msg, unmarshal1(msg, buf), nil
	case id0:
		msg := &Frame{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id1, makePatch1(msg2, msgSrc.(*Hello), buf), nil
	case *Frame:
		return id0, makePatch0(msg2, msgSrc.(*Frame), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch1(msg2, buf), nil
	case *Frame:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size1(m *Hello) uint64 {
	var n uint64 = 35
	{
		// IP

		helpers.UInt64Size(m.IP, &n)
	}
	{
		// Port

		helpers.UInt64Size(m.Port, &n)
	}
	return n
}

func marshal1(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
		o += 32
	}
	{
		// IsBroker

		if m.IsBroker {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// IP

		helpers.UInt64Marshal(m.IP, b, &o)
	}
	{
		// Port

		helpers.UInt64Marshal(m.Port, b, &o)
	}

	return o
}

func unmarshal1(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
		o += 32
	}
	{
		// IsBroker

		m.IsBroker = b[0]&0x01 != 0
	}
	{
		// IP

		helpers.UInt64Unmarshal(&m.IP, b, &o)
	}
	{
		// Port

		helpers.UInt64Unmarshal(&m.Port, b, &o)
	}

	return o
}

func makePatch1(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 2
	{
		// PeerID

		if reflect.DeepEqual(m.PeerID, mSrc.PeerID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
			o += 32
		}
	}
	{
		// IsBroker

		if m.IsBroker == mSrc.IsBroker {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}
	{
		// IP

		if reflect.DeepEqual(m.IP, mSrc.IP) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.IP, b, &o)
		}
	}
	{
		// Port

		if reflect.DeepEqual(m.Port, mSrc.Port) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Port, b, &o)
		}
	}

	return o
}

func applyPatch1(m *Hello, b []byte) uint64 {
	var o uint64 = 2
	{
		// PeerID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// IsBroker

		if b[1]&0x01 != 0 {
			m.IsBroker = !m.IsBroker
		}
	}
	{
		// IP

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.IP, b, &o)
		}
	}
	{
		// Port

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Port, b, &o)
		}
	}

	return o
}

func size0(m *Frame) uint64 {
	var n uint64 = 7
	{
		// Kind

		helpers.UInt64Size(m.Kind, &n)
	}
	{
		// Topic

		{
			l := uint64(len(m.Topic))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Source

		{
			l := uint64(len(m.Source))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Sequence

		helpers.UInt64Size(m.Sequence, &n)
	}
	{
		// IP

		helpers.UInt64Size(m.IP, &n)
	}
	{
		// Port

		helpers.UInt64Size(m.Port, &n)
	}
	return n
}

func marshal0(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Kind

		helpers.UInt64Marshal(m.Kind, b, &o)
	}
	{
		// Topic

		{
			l := uint64(len(m.Topic))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Topic)
			o += l
		}
	}
	{
		// Source

		{
			l := uint64(len(m.Source))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Source)
			o += l
		}
	}
	{
		// Sequence

		helpers.UInt64Marshal(m.Sequence, b, &o)
	}
	{
		// Handshake

		if m.Handshake {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// IP

		helpers.UInt64Marshal(m.IP, b, &o)
	}
	{
		// Port

		helpers.UInt64Marshal(m.Port, b, &o)
	}

	return o
}

func unmarshal0(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Kind

		helpers.UInt64Unmarshal(&m.Kind, b, &o)
	}
	{
		// Topic

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Topic = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Source

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Source = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Sequence

		helpers.UInt64Unmarshal(&m.Sequence, b, &o)
	}
	{
		// Handshake

		m.Handshake = b[0]&0x01 != 0
	}
	{
		// IP

		helpers.UInt64Unmarshal(&m.IP, b, &o)
	}
	{
		// Port

		helpers.UInt64Unmarshal(&m.Port, b, &o)
	}

	return o
}

func makePatch0(m, mSrc *Frame, b []byte) uint64 {
	var o uint64 = 2
	{
		// Kind

		if reflect.DeepEqual(m.Kind, mSrc.Kind) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Kind, b, &o)
		}
	}
	{
		// Topic

		if reflect.DeepEqual(m.Topic, mSrc.Topic) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Topic))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Topic)
				o += l
			}
		}
	}
	{
		// Source

		if reflect.DeepEqual(m.Source, mSrc.Source) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Source))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Source)
				o += l
			}
		}
	}
	{
		// Sequence

		if reflect.DeepEqual(m.Sequence, mSrc.Sequence) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			helpers.UInt64Marshal(m.Sequence, b, &o)
		}
	}
	{
		// Handshake

		if m.Handshake == mSrc.Handshake {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}
	{
		// IP

		if reflect.DeepEqual(m.IP, mSrc.IP) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			helpers.UInt64Marshal(m.IP, b, &o)
		}
	}
	{
		// Port

		if reflect.DeepEqual(m.Port, mSrc.Port) {
			b[0] &= 0xDF
		} else {
			b[0] |= 0x20
			helpers.UInt64Marshal(m.Port, b, &o)
		}
	}

	return o
}

func applyPatch0(m *Frame, b []byte) uint64 {
	var o uint64 = 2
	{
		// Kind

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Kind, b, &o)
		}
	}
	{
		// Topic

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Topic = string(b[o:o+l])
					o += l
				} else {
					m.Topic = ""
				}
			}
		}
	}
	{
		// Source

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Source = string(b[o:o+l])
					o += l
				} else {
					m.Source = ""
				}
			}
		}
	}
	{
		// Sequence

		if b[0]&0x08 != 0 {
			helpers.UInt64Unmarshal(&m.Sequence, b, &o)
		}
	}
	{
		// Handshake

		if b[1]&0x01 != 0 {
			m.Handshake = !m.Handshake
		}
	}
	{
		// IP

		if b[0]&0x10 != 0 {
			helpers.UInt64Unmarshal(&m.IP, b, &o)
		}
	}
	{
		// Port

		if b[0]&0x20 != 0 {
			helpers.UInt64Unmarshal(&m.Port, b, &o)
		}
	}

	return o
}
