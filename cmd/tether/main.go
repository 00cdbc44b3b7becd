package main

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/internal/telemetry"
	"github.com/outofforest/tether/netbus"
)

const (
	modeBroker   = "broker"
	modeSource   = "source"
	modeReceiver = "receiver"

	maxMessageSize = 64 * 1024
	sendInterval   = time.Second
)

type options struct {
	Mode       string
	Listen     string
	Broker     string
	Topic      string
	ConfigFile string
	Metrics    string
	Metadata   string
	IP         net.IP
}

func main() {
	var opts options

	flags := pflag.NewFlagSet("tether", pflag.ExitOnError)
	flags.StringVar(&opts.Mode, "mode", modeBroker, "mode to run in: broker, source or receiver")
	flags.StringVar(&opts.Listen, "listen", "localhost:7000", "address the broker listens on")
	flags.StringVar(&opts.Broker, "broker", "localhost:7000", "address of the broker")
	flags.StringVar(&opts.Topic, "topic", "tether", "topic to publish or subscribe")
	flags.StringVar(&opts.ConfigFile, "config", "", "path to the YAML config of the node")
	flags.StringVar(&opts.Metrics, "metrics", "", "address to serve prometheus metrics on")
	flags.StringVar(&opts.Metadata, "metadata", "", "metadata sent to peers")
	flags.IPVar(&opts.IP, "ip", net.IPv4(127, 0, 0, 1), "IP address advertised to peers")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Application failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if opts.Metrics != "" {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return serveMetrics(ctx, opts.Metrics)
			})
		}

		switch opts.Mode {
		case modeBroker:
			ls, err := net.Listen("tcp", opts.Listen)
			if err != nil {
				return errors.WithStack(err)
			}
			logger.Get(ctx).Info("Broker started", zap.Stringer("address", ls.Addr()))

			spawn("broker", parallel.Fail, func(ctx context.Context) error {
				return netbus.RunBroker(ctx, ls, netbus.BrokerConfig{
					MaxMessageSize: maxMessageSize,
				})
			})
			return nil
		case modeSource, modeReceiver:
		default:
			return errors.Errorf("unknown mode %q", opts.Mode)
		}

		config, err := loadConfig(opts.ConfigFile)
		if err != nil {
			return err
		}

		ip := opts.IP.To4()
		if ip == nil {
			return errors.Errorf("IPv4 address expected, got %s", opts.IP)
		}

		client, err := netbus.NewClient(netbus.ClientConfig{
			Broker:         opts.Broker,
			MaxMessageSize: maxMessageSize,
			IP:             binary.BigEndian.Uint32(ip),
		})
		if err != nil {
			return err
		}

		node, err := tether.NewNode(ctx, config, client, []byte(opts.Metadata))
		if err != nil {
			return err
		}

		spawn("client", parallel.Fail, client.Run)
		spawn("node", parallel.Fail, node.Run)

		if opts.Mode == modeSource {
			spawn("source", parallel.Fail, func(ctx context.Context) error {
				return runSource(ctx, node, opts.Topic)
			})
		} else {
			spawn("receiver", parallel.Fail, func(ctx context.Context) error {
				return runReceiver(ctx, node, opts.Topic)
			})
		}
		return nil
	})
}

func loadConfig(path string) (tether.Config, error) {
	if path == "" {
		return tether.DefaultConfig(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tether.Config{}, errors.WithStack(err)
	}
	defer f.Close()

	return tether.LoadConfig(f)
}

func runSource(ctx context.Context, node *tether.Node, topic string) error {
	log := logger.Get(ctx)

	src, err := node.NewSource(ctx, topic, tether.SourceConfig{
		OnConnect: func(_ *tether.Source, info tether.PeerInfo, _ any) any {
			log.Info("Receiver connected", zap.String("key", info.Key()))
			return nil
		},
		OnDisconnect: func(_ *tether.Source, info tether.PeerInfo, _, _ any) {
			log.Info("Receiver disconnected", zap.String("key", info.Key()), zap.Stringer("status", info.Status()))
		},
	})
	if err != nil {
		return err
	}

	log.Info("Source started", zap.String("topic", topic), zap.String("name", src.Name()))

	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case now := <-ticker.C:
			if err := src.Send([]byte(now.Format(time.RFC3339Nano))); err != nil {
				log.Warn("Sending message failed", zap.Error(err))
			}
		}
	}
}

func runReceiver(ctx context.Context, node *tether.Node, topic string) error {
	log := logger.Get(ctx)

	_, err := node.NewReceiver(ctx, topic, tether.ReceiverConfig{
		OnConnect: func(_ *tether.Receiver, info tether.PeerInfo, _ any) any {
			source, _ := info.SourceName()
			log.Info("Connected to source", zap.String("key", info.Key()), zap.String("source", source))
			return source
		},
		OnDisconnect: func(_ *tether.Receiver, info tether.PeerInfo, _, _ any) {
			log.Info("Disconnected from source", zap.String("key", info.Key()),
				zap.Stringer("status", info.Status()))
		},
		OnMessage: func(_ *tether.Receiver, msg *tether.Message, _ any) {
			if msg.Handshake {
				return
			}
			log.Info("Message received", zap.String("source", msg.Source), zap.Uint32("seq", msg.Sequence),
				zap.ByteString("data", msg.Data))
		},
	})
	if err != nil {
		return err
	}

	log.Info("Receiver started", zap.String("topic", topic))

	<-ctx.Done()
	return errors.WithStack(ctx.Err())
}

func serveMetrics(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           telemetry.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			return errors.WithStack(server.Shutdown(context.Background()))
		})
		return nil
	})
}
