package bus

import (
	"context"
	"encoding/json"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// DefaultGossipTopic is the single gossipsub topic all status traffic shares.
const DefaultGossipTopic = "swaprelay/order-updates/1"

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

// envelope tags a payload with its logical topic inside the shared
// gossipsub topic.
type envelope struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// Gossip runs the bus over libp2p gossipsub so workers and relays on
// different hosts can exchange status events without a broker. Every node
// joins one gossipsub topic; exact-topic routing happens in the local
// Dispatcher.
type Gossip struct {
	*Dispatcher
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultGossipTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	fail := func(err error) (*Gossip, error) {
		cancel()
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(loopCtx, h)
	if err != nil {
		return fail(err)
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		return fail(fmt.Errorf("join %s: %w", cfg.Topic, err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", cfg.Topic, err))
	}

	g := &Gossip{
		Dispatcher: NewDispatcher(),
		h:          h,
		ps:         ps,
		topic:      topic,
		sub:        sub,
		log:        cfg.Logger,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go g.loop(loopCtx)

	cfg.Logger.Infow("gossip_bus_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Host exposes the libp2p host, e.g. to print the dialable address.
func (g *Gossip) Host() host.Host { return g.h }

func (g *Gossip) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := json.Marshal(envelope{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

func (g *Gossip) loop(ctx context.Context) {
	defer close(g.done)
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			g.log.Warnw("gossip_bad_envelope", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		g.Dispatch(env.Topic, env.Payload)
	}
}

func (g *Gossip) Close() error {
	g.cancel()
	g.sub.Cancel()
	<-g.done
	if err := g.topic.Close(); err != nil {
		g.log.Warnw("gossip_topic_close_failed", "err", err)
	}
	return g.h.Close()
}

var _ Bus = (*Gossip)(nil)
