package handshake

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	testRcv = Endpoint{ID: 101, DomainID: 102, IP: 103, Port: 104, ConnID: 105}
	testSrc = Endpoint{ID: 201, DomainID: -1, IP: 0x7f000001, Port: 14001, ConnID: 205}
)

func TestKey(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("101,102:0.0.0.103:104,105", testRcv.Key())
	requireT.Equal("201,127.0.0.1:14001,205", testSrc.Key())

	m := Message{Kind: KindDisconnectRequest, Receiver: testRcv, Source: testSrc}
	requireT.Equal(testRcv.Key(), m.Key())
}

func TestRoundTripAllKinds(t *testing.T) {
	topic255 := string(bytes.Repeat([]byte{'t'}, MaxTopicLen))

	tests := []Message{
		{Kind: KindConnectRequest, Receiver: testRcv, Topic: "orders"},
		{Kind: KindConnectRequest, Receiver: testRcv, Topic: topic255},
		{Kind: KindConnectResponse, Receiver: testRcv, Source: testSrc, Metadata: []byte("source meta")},
		{Kind: KindConnectResponse, Receiver: testRcv, Source: testSrc},
		{Kind: KindConnectOK, Receiver: testRcv, Source: testSrc, Sequence: 17, Metadata: []byte{0x00, 0xff}},
		{Kind: KindConnectOK, Receiver: testRcv, Source: testSrc, Sequence: 0xffffffff},
		{Kind: KindDisconnectRequest, Receiver: testRcv, Source: testSrc},
		{Kind: KindDisconnectResponse, Receiver: testRcv, Source: testSrc},
		{Kind: KindDisconnectOK, Receiver: testRcv, Source: testSrc, Sequence: 99},
		{Kind: KindDisconnectFinal, Receiver: testRcv, Source: testSrc},
	}

	for _, m := range tests {
		t.Run(m.Kind.String(), func(t *testing.T) {
			requireT := require.New(t)

			b, err := Encode(&m)
			requireT.NoError(err)
			requireT.Len(b, m.Size())
			requireT.Equal(Magic|uint32(m.Kind), binary.BigEndian.Uint32(b))

			decoded, err := Decode(b)
			requireT.NoError(err)
			requireT.Equal(m, decoded)
			requireT.Equal(m.Key(), decoded.Key())
		})
	}
}

func TestConnectRequestLayout(t *testing.T) {
	requireT := require.New(t)

	b, err := Encode(&Message{Kind: KindConnectRequest, Receiver: testRcv, Topic: "ab"})
	requireT.NoError(err)
	requireT.Equal([]byte{
		0x7b, 0x13, 0x8c, 0x01,
		0x00, 0x00, 0x00, 101,
		0x00, 0x00, 0x00, 102,
		0x00, 0x00, 0x00, 103,
		0x00, 104,
		0x00, 0x00, 0x00, 105,
		0x02, 'a', 'b',
	}, b)
}

func TestEncodeErrors(t *testing.T) {
	requireT := require.New(t)

	_, err := Encode(&Message{Kind: KindConnectRequest, Receiver: testRcv})
	requireT.ErrorIs(err, ErrProtocol)

	_, err = Encode(&Message{
		Kind:     KindConnectRequest,
		Receiver: testRcv,
		Topic:    string(bytes.Repeat([]byte{'t'}, MaxTopicLen+1)),
	})
	requireT.ErrorIs(err, ErrProtocol)

	_, err = Encode(&Message{Kind: 8, Receiver: testRcv})
	requireT.ErrorIs(err, ErrProtocol)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(&Message{Kind: KindConnectOK, Receiver: testRcv, Source: testSrc, Sequence: 1,
		Metadata: []byte("meta")})
	require.NoError(t, err)

	badMagic := append([]byte{}, valid...)
	badMagic[1] = 0x14

	unknownKind := append([]byte{}, valid...)
	unknownKind[3] = 0x08

	zeroKind := append([]byte{}, valid...)
	zeroKind[3] = 0x00

	longMeta := append([]byte{}, valid...)
	longMeta = append(longMeta, 0x01)

	creq, err := Encode(&Message{Kind: KindConnectRequest, Receiver: testRcv, Topic: "topic"})
	require.NoError(t, err)

	badTopicLen := append([]byte{}, creq...)
	badTopicLen[headerLen+endpointLen] = 10

	zeroTopicLen := append([]byte{}, creq[:headerLen+endpointLen]...)
	zeroTopicLen = append(zeroTopicLen, 0x00)

	tests := map[string][]byte{
		"empty":          nil,
		"header only":    valid[:3],
		"bad magic":      badMagic,
		"unknown kind":   unknownKind,
		"zero kind":      zeroKind,
		"short receiver": valid[:headerLen+endpointLen-1],
		"short source":   valid[:headerLen+2*endpointLen-1],
		"short sequence": valid[:headerLen+2*endpointLen+2],
		"short metadata": valid[:headerLen+2*endpointLen+seqLen+2],
		"truncated meta": valid[:len(valid)-1],
		"trailing bytes": longMeta,
		"bad topic len":  badTopicLen,
		"zero topic len": zeroTopicLen,
		"no topic":       creq[:headerLen+endpointLen],
	}

	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)

			m, err := Decode(b)
			requireT.ErrorIs(err, ErrProtocol)
			requireT.Equal(Message{}, m)
		})
	}
}

func TestPeekKind(t *testing.T) {
	requireT := require.New(t)

	b, err := Encode(&Message{Kind: KindDisconnectFinal, Receiver: testRcv, Source: testSrc})
	requireT.NoError(err)

	k, err := PeekKind(b)
	requireT.NoError(err)
	requireT.Equal(KindDisconnectFinal, k)
	requireT.Equal("DFIN", k.String())
	requireT.Equal("Kind(9)", Kind(9).String())

	_, err = PeekKind([]byte{0x7b, 0x13})
	requireT.True(errors.Is(err, ErrProtocol))
}

func genEndpoint(t *rapid.T, label string) Endpoint {
	return Endpoint{
		ID:       rapid.Uint32().Draw(t, label+".id"),
		DomainID: rapid.Int32().Draw(t, label+".domain"),
		IP:       rapid.Uint32().Draw(t, label+".ip"),
		Port:     rapid.Uint16().Draw(t, label+".port"),
		ConnID:   rapid.Uint32().Draw(t, label+".conn"),
	}
}

func genMessage(t *rapid.T) Message {
	m := Message{
		Kind:     Kind(rapid.IntRange(int(KindConnectRequest), int(KindDisconnectFinal)).Draw(t, "kind")),
		Receiver: genEndpoint(t, "rcv"),
	}
	if m.Kind == KindConnectRequest {
		m.Topic = string(rapid.SliceOfN(rapid.Byte(), 1, MaxTopicLen).Draw(t, "topic"))
		return m
	}

	m.Source = genEndpoint(t, "src")
	switch m.Kind {
	case KindConnectOK, KindDisconnectOK:
		m.Sequence = rapid.Uint32().Draw(t, "seq")
	}
	switch m.Kind {
	case KindConnectResponse, KindConnectOK:
		m.Metadata = rapid.SliceOfN(rapid.Byte(), 0, 128).Draw(t, "metadata")
		if len(m.Metadata) == 0 {
			m.Metadata = nil
		}
	}
	return m
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genMessage(t)

		b, err := Encode(&m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		decoded, err := Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !messagesEqual(m, decoded) {
			t.Fatalf("round trip mismatch: %+v != %+v", m, decoded)
		}
	})
}

func TestTruncationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genMessage(t)

		b, err := Encode(&m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		n := rapid.IntRange(0, len(b)-1).Draw(t, "cut")
		decoded, err := Decode(b[:n])
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("truncated %s buffer (%d of %d bytes) decoded: %v", m.Kind, n, len(b), err)
		}
		if !messagesEqual(Message{}, decoded) {
			t.Fatalf("partial result returned: %+v", decoded)
		}
	})
}

func messagesEqual(a, b Message) bool {
	return a.Kind == b.Kind && a.Receiver == b.Receiver && a.Source == b.Source && a.Topic == b.Topic &&
		a.Sequence == b.Sequence && bytes.Equal(a.Metadata, b.Metadata)
}
