// Package gateway is the transport layer: it upgrades sockets, assigns
// connection ids, runs the read/write pumps and implements the post sink the
// relay delivers through.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/modulr/broker/internal/relay"
)

// PubSub is the minimal pub/sub interface used for cross-pod delivery.
// Satisfied by the go-redis adapter in internal/infra.
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// deliverChannel is the pub/sub channel carrying frames for connections homed
// on other pods.
const deliverChannel = "broker:deliver"

type deliverMessage struct {
	ConnectionID string `json:"connection_id"`
	Data         []byte `json:"data"`
}

// Pool tracks the sockets homed on this pod and implements relay.Sink.
//
// The pool is transport state, not a registry: the connection table in the
// store stays the only source of truth about who is connected. With a PubSub
// configured, frames for non-local connections are published for whichever
// pod homes them; published delivery is fire-and-forget, so a gone peer on
// another pod is indistinguishable from a delivered frame.
type Pool struct {
	mu    sync.RWMutex
	peers map[string]*peer
	bus   PubSub
	unsub func()
}

func NewPool(bus PubSub) *Pool {
	return &Pool{
		peers: make(map[string]*peer),
		bus:   bus,
	}
}

// StartBus subscribes to the cross-pod delivery channel. No-op without a bus.
func (p *Pool) StartBus(ctx context.Context) error {
	if p.bus == nil {
		return nil
	}
	unsub, err := p.bus.Subscribe(ctx, deliverChannel, func(data []byte) {
		var msg deliverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed cross-pod delivery", "error", err)
			return
		}
		// Not homed here means some other pod owns it, or it is gone
		// everywhere; either way this pod drops it.
		_ = p.postLocal(msg.ConnectionID, msg.Data)
	})
	if err != nil {
		return err
	}
	p.unsub = unsub
	return nil
}

// Close unsubscribes from the bus and closes every local peer.
func (p *Pool) Close() {
	if p.unsub != nil {
		p.unsub()
	}
	p.mu.RLock()
	peers := make([]*peer, 0, len(p.peers))
	for _, pe := range p.peers {
		peers = append(peers, pe)
	}
	p.mu.RUnlock()
	for _, pe := range peers {
		pe.close()
	}
}

func (p *Pool) add(pe *peer) {
	p.mu.Lock()
	p.peers[pe.id] = pe
	p.mu.Unlock()
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.peers, id)
	p.mu.Unlock()
}

// Post implements relay.Sink. Local connections get the frame on their write
// pump; unknown connections go over the bus when one is configured, else
// relay.ErrGone.
func (p *Pool) Post(ctx context.Context, connectionID string, data []byte) error {
	if err := p.postLocal(connectionID, data); err == nil {
		return nil
	} else if !errors.Is(err, relay.ErrGone) {
		return err
	}

	if p.bus != nil {
		msg, err := json.Marshal(deliverMessage{ConnectionID: connectionID, Data: data})
		if err != nil {
			return err
		}
		return p.bus.Publish(ctx, deliverChannel, msg)
	}
	return relay.ErrGone
}

func (p *Pool) postLocal(connectionID string, data []byte) error {
	p.mu.RLock()
	pe, ok := p.peers[connectionID]
	p.mu.RUnlock()
	if !ok {
		return relay.ErrGone
	}
	return pe.send(data)
}
