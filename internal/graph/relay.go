package graph

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	peerSendBuffer = 256
)

// Relay replicates graph frames over websocket connections. Every
// connection is symmetric: both ends send their local wins and merge
// what arrives, and a relay fans incoming frames out to its other peers,
// so any connected topology converges.
type Relay struct {
	log     *zap.Logger
	store   *Store
	metrics *Metrics

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peerConn]struct{}
}

// NewRelay wires a relay to a store and registers itself as the store's
// propagation sink.
func NewRelay(log *zap.Logger, store *Store, metrics *Metrics) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{
		log:     log,
		store:   store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are authenticated by frame signatures at the data
			// layer, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[*peerConn]struct{}),
	}
	store.AddSink(func(frame Frame) {
		r.broadcast(frame, nil)
	})
	return r
}

// Handler returns the HTTP handler that upgrades peers onto the relay.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Attach(conn)
	})
}

// Attach adopts an established websocket connection, server- or
// client-side, and starts its pumps. The local snapshot is streamed to
// the peer first so it converges without waiting for new writes.
// Snapshot delivery blocks until the write pump drains each frame; a
// snapshot larger than the send buffer must not count as a slow peer.
func (r *Relay) Attach(conn *websocket.Conn) {
	p := &peerConn{
		relay: r,
		conn:  conn,
		send:  make(chan []byte, peerSendBuffer),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	r.peers[p] = struct{}{}
	n := len(r.peers)
	r.mu.Unlock()
	r.metrics.SetRelayPeers(n)
	r.log.Info("replication peer attached", zap.String("remote", conn.RemoteAddr().String()), zap.Int("peers", n))

	snapshot := r.store.SnapshotFrames()

	go p.writePump()
	go p.readPump()
	go func() {
		for _, frame := range snapshot {
			if !p.enqueueWait(mustEncode(frame)) {
				return
			}
		}
	}()
}

// PeerCount reports currently attached peers.
func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Shutdown closes every peer connection.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	peers := make([]*peerConn, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (r *Relay) broadcast(frame Frame, except *peerConn) {
	payload := mustEncode(frame)

	r.mu.Lock()
	peers := make([]*peerConn, 0, len(r.peers))
	for p := range r.peers {
		if p != except {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.enqueue(payload)
		r.metrics.RecordFrameOut()
	}
}

func (r *Relay) detach(p *peerConn) {
	r.mu.Lock()
	_, present := r.peers[p]
	delete(r.peers, p)
	n := len(r.peers)
	r.mu.Unlock()

	if present {
		r.metrics.SetRelayPeers(n)
		r.log.Info("replication peer detached", zap.Int("peers", n))
	}
}

func mustEncode(frame Frame) []byte {
	payload, err := json.Marshal(frame)
	if err != nil {
		// Frame fields are plain strings and integers; this cannot fail.
		panic(err)
	}
	return payload
}

// peerConn owns one websocket connection with buffered writes and a
// ping/pong liveness loop.
type peerConn struct {
	relay *Relay
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}

	closeOnce sync.Once
}

func (p *peerConn) enqueue(payload []byte) {
	select {
	case <-p.done:
	case p.send <- payload:
	default:
		// A peer that cannot drain its buffer is cut loose; it will
		// reconnect and resync from a snapshot.
		go p.close()
	}
}

// enqueueWait blocks until the payload is queued or the peer is gone.
// It reports whether the payload was accepted.
func (p *peerConn) enqueueWait(payload []byte) bool {
	select {
	case <-p.done:
		return false
	case p.send <- payload:
		return true
	}
}

func (p *peerConn) readPump() {
	defer p.close()
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			p.relay.log.Warn("discarding undecodable frame", zap.Error(err))
			continue
		}
		p.relay.metrics.RecordFrameIn()
		if p.relay.store.Merge(frame) {
			p.relay.broadcast(frame, p)
		}
	}
}

func (p *peerConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		p.relay.detach(p)
		close(p.done)
		_ = p.conn.Close()
	})
}
