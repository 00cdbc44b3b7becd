package tether

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/tether/handshake"
)

func TestLoadConfigDefaults(t *testing.T) {
	requireT := require.New(t)

	config, err := LoadConfig(strings.NewReader(""))
	requireT.NoError(err)
	requireT.Equal(DefaultConfig(), config)
	requireT.Equal(NoDomain, config.DomainID)
	requireT.Equal(10*time.Millisecond, config.ConnectDelay)
	requireT.Equal(time.Second, config.RetryInterval)
	requireT.Equal(35, config.MaxTries)
	requireT.False(config.PreDelivery)
}

func TestLoadConfig(t *testing.T) {
	requireT := require.New(t)

	config, err := LoadConfig(strings.NewReader(`
domainID: 7
connectDelay: 5ms
retryInterval: 250ms
maxTries: 3
preDelivery: true
testBits: 5
`))
	requireT.NoError(err)
	requireT.Equal(Config{
		TestBits:      TestBitDebug | TestBitNoConnectResponse,
		DomainID:      7,
		ConnectDelay:  5 * time.Millisecond,
		RetryInterval: 250 * time.Millisecond,
		MaxTries:      3,
		PreDelivery:   true,
	}, config)
}

func TestLoadConfigErrors(t *testing.T) {
	for _, input := range []string{
		"unknown: 1",
		"maxTries: 0",
		"retryInterval: 0s",
		"connectDelay: -1s",
		"domainID: -2",
		"maxTries: [",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(input))
			require.Error(t, err)
		})
	}
}

func TestSuppresses(t *testing.T) {
	requireT := require.New(t)

	bits := TestBitNoConnectOK | TestBitNoDisconnectOK
	requireT.True(bits.Suppresses(handshake.KindConnectOK))
	requireT.True(bits.Suppresses(handshake.KindDisconnectOK))
	requireT.False(bits.Suppresses(handshake.KindConnectRequest))
	requireT.False(bits.Suppresses(handshake.KindDisconnectFinal))
	requireT.False(TestBitDebug.Suppresses(handshake.KindConnectResponse))
}

func TestPeerInfoFlags(t *testing.T) {
	requireT := require.New(t)

	var info PeerInfo
	_, ok := info.SourceMetadata()
	requireT.False(ok)
	_, ok = info.StartSequence()
	requireT.False(ok)

	info.setSourceMetadata([]byte("meta"))
	info.setStartSequence(0)
	info.setSourceName("src")

	meta, ok := info.SourceMetadata()
	requireT.True(ok)
	requireT.Equal([]byte("meta"), meta)
	seq, ok := info.StartSequence()
	requireT.True(ok)
	requireT.Zero(seq)
	requireT.Equal(FlagSourceMetadata|FlagStartSequence|FlagSourceName, info.Flags())

	_, ok = info.ReceiverMetadata()
	requireT.False(ok)
	_, ok = info.EndSequence()
	requireT.False(ok)
}
