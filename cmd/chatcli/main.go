package main

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/dm"
	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
	"github.com/AyazTomac-dev/atacord/internal/message"
)

type cliConfig struct {
	nodeURL      string
	role         string
	text         string
	timeout      time.Duration
	identitySeed string
	peerSeed     string
}

// chatcli is a two-party exerciser for a running node: a sender seals
// a direct message to the receiver through the node's replication
// endpoint, the receiver decrypts and checks it. Identities are
// derived from seeds so both sides can find each other without a key
// exchange step.
func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
	log.Printf("chatcli role %s completed", cfg.role)
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.nodeURL, "node", "ws://127.0.0.1:8765/replicate", "Replication endpoint of the node")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.text, "text", "merhaba dunya", "Message to deliver")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.StringVar(&cfg.identitySeed, "identity-seed", "", "Optional seed for deterministic identity generation")
	flag.StringVar(&cfg.peerSeed, "peer-seed", "", "Optional seed for the peer identity")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}

	if cfg.identitySeed == "" {
		cfg.identitySeed = defaultSeed(cfg.role)
	}
	if cfg.peerSeed == "" {
		cfg.peerSeed = defaultSeed(peerRole(cfg.role))
	}
	return cfg
}

func run(cfg cliConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	self, err := deriveIdentity(cfg.identitySeed, cfg.role)
	if err != nil {
		return err
	}
	peer, err := deriveIdentity(cfg.peerSeed, peerRole(cfg.role))
	if err != nil {
		return err
	}

	log := zap.NewNop()
	store, err := graph.NewStore(graph.StoreConfig{Writer: self.UserID()})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	relay := graph.NewRelay(log, store, nil)
	defer relay.Shutdown()

	dialer, err := graph.NewDialer(graph.DialerConfig{
		Log:   log,
		Relay: relay,
		Peers: []string{cfg.nodeURL},
	})
	if err != nil {
		return fmt.Errorf("init dialer: %w", err)
	}
	dialer.Start(ctx)

	channel, err := dm.NewChannel(dm.ChannelConfig{Store: store})
	if err != nil {
		return fmt.Errorf("init channel: %w", err)
	}

	switch cfg.role {
	case "sender":
		return runSender(ctx, channel, relay, self, peer, cfg.text)
	default:
		return runReceiver(ctx, channel, self, peer, cfg.text)
	}
}

func runSender(ctx context.Context, channel *dm.Channel, relay *graph.Relay, self, peer identity.Identity, text string) error {
	if err := waitForLink(ctx, relay); err != nil {
		return err
	}
	msg, err := channel.Send(self, peer.UserID(), peer.EncryptionPublic, text)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	log.Printf("sent %s to %s", msg.ID, peer.UserID())

	// Give the relay a moment to flush before the link drops.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

func runReceiver(ctx context.Context, channel *dm.Channel, self, peer identity.Identity, want string) error {
	received := make(chan message.Message, 1)
	sub := channel.Receive(self, peer.UserID(), func(m message.Message) {
		select {
		case received <- m:
		default:
		}
	}, func(path string, err error) {
		log.Printf("undecryptable message at %s: %v", path, err)
	})
	defer sub.Unsubscribe()

	select {
	case msg := <-received:
		if msg.Content != want {
			return fmt.Errorf("payload mismatch: %q vs %q", msg.Content, want)
		}
		log.Printf("received %s from %s", msg.ID, msg.SenderKey)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no message before timeout: %w", ctx.Err())
	}
}

func waitForLink(ctx context.Context, relay *graph.Relay) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if relay.PeerCount() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("node link never came up: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// deriveIdentity builds a deterministic identity from a seed. The
// signing and encryption keys come from separate hash domains so one
// never doubles as the other.
func deriveIdentity(seed, displayName string) (identity.Identity, error) {
	signSum := sha256.Sum256([]byte("chatcli/sign/" + seed))
	signPriv := ed25519.NewKeyFromSeed(signSum[:])

	encSum := sha256.Sum256([]byte("chatcli/enc/" + seed))
	encPriv, err := ecdh.X25519().NewPrivateKey(encSum[:])
	if err != nil {
		return identity.Identity{}, fmt.Errorf("derive encryption key: %w", err)
	}

	return identity.Identity{
		DisplayName:       displayName,
		SigningPublic:     signPriv.Public().(ed25519.PublicKey),
		SigningPrivate:    signPriv,
		EncryptionPublic:  encPriv.PublicKey().Bytes(),
		EncryptionPrivate: encPriv.Bytes(),
	}, nil
}

func defaultSeed(role string) string {
	if role == "receiver" {
		return "chatcli-receiver"
	}
	return "chatcli-sender"
}

func peerRole(role string) string {
	if role == "receiver" {
		return "sender"
	}
	return "receiver"
}
