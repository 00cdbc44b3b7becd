package tether

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/tether/handshake"
)

// TestBits alter protocol behaviour for testing.
type TestBits uint32

// Test bits.
const (
	// TestBitDebug enables recording of debug events.
	TestBitDebug TestBits = 1 << iota
	TestBitNoConnectRequest
	TestBitNoConnectResponse
	TestBitNoConnectOK
	TestBitNoDisconnectRequest
	TestBitNoDisconnectResponse
	TestBitNoDisconnectOK
)

var suppressBits = map[handshake.Kind]TestBits{
	handshake.KindConnectRequest:     TestBitNoConnectRequest,
	handshake.KindConnectResponse:    TestBitNoConnectResponse,
	handshake.KindConnectOK:          TestBitNoConnectOK,
	handshake.KindDisconnectRequest:  TestBitNoDisconnectRequest,
	handshake.KindDisconnectResponse: TestBitNoDisconnectResponse,
	handshake.KindDisconnectOK:       TestBitNoDisconnectOK,
}

// Suppresses tells if sending of the handshake kind is disabled.
func (b TestBits) Suppresses(kind handshake.Kind) bool {
	bit, exists := suppressBits[kind]
	return exists && b&bit != 0
}

// NoDomain means domain id is not used.
const NoDomain int32 = -1

// Config is the config of node.
type Config struct {
	TestBits      TestBits      `yaml:"testBits"`
	DomainID      int32         `yaml:"domainID"`
	ConnectDelay  time.Duration `yaml:"connectDelay"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	MaxTries      int           `yaml:"maxTries"`
	PreDelivery   bool          `yaml:"preDelivery"`
}

// DefaultConfig returns default config.
func DefaultConfig() Config {
	return Config{
		DomainID:      NoDomain,
		ConnectDelay:  10 * time.Millisecond,
		RetryInterval: time.Second,
		MaxTries:      35,
	}
}

// LoadConfig reads YAML config. Missing options keep their default values.
func LoadConfig(r io.Reader) (Config, error) {
	config := DefaultConfig()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decoding config failed")
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate validates config.
func (c Config) Validate() error {
	switch {
	case c.DomainID < NoDomain:
		return errors.Errorf("invalid domain id %d", c.DomainID)
	case c.ConnectDelay < 0:
		return errors.Errorf("invalid connect delay %s", c.ConnectDelay)
	case c.RetryInterval <= 0:
		return errors.Errorf("invalid retry interval %s", c.RetryInterval)
	case c.MaxTries < 1:
		return errors.Errorf("invalid max tries %d", c.MaxTries)
	}
	return nil
}
