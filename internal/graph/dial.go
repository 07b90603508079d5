package graph

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DialerConfig wires dependencies and cadence for outbound relay links.
type DialerConfig struct {
	Log     *zap.Logger
	Relay   *Relay
	Peers   []string
	MinWait time.Duration
	MaxWait time.Duration
}

// Dialer keeps one outbound websocket link alive per configured relay
// peer, reconnecting with capped exponential backoff.
type Dialer struct {
	log     *zap.Logger
	relay   *Relay
	peers   []string
	minWait time.Duration
	maxWait time.Duration
}

// NewDialer builds a Dialer.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = time.Second
	}
	if cfg.MaxWait < cfg.MinWait {
		cfg.MaxWait = 30 * time.Second
	}
	return &Dialer{
		log:     cfg.Log,
		relay:   cfg.Relay,
		peers:   cfg.Peers,
		minWait: cfg.MinWait,
		maxWait: cfg.MaxWait,
	}, nil
}

// Start launches one maintenance loop per peer until ctx is canceled.
func (d *Dialer) Start(ctx context.Context) {
	for _, peer := range d.peers {
		if peer == "" {
			continue
		}
		go d.maintain(ctx, peer)
	}
}

func (d *Dialer) maintain(ctx context.Context, peerURL string) {
	wait := d.minWait
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, peerURL, nil)
		if err != nil {
			d.log.Warn("relay dial failed",
				zap.String("peer", peerURL),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > d.maxWait {
				wait = d.maxWait
			}
			continue
		}

		d.log.Info("relay peer connected", zap.String("peer", peerURL))
		wait = d.minWait

		done := make(chan struct{})
		conn.SetCloseHandler(func(code int, text string) error {
			return nil
		})
		d.relay.Attach(conn)

		// Poll the connection liveness through the relay's pumps: when
		// the peer detaches the underlying conn reports closed writes.
		go func() {
			defer close(done)
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						return
					}
				}
			}
		}()

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-done:
		}
	}
}
