// Package ledger abstracts the external distributed-ledger side effects. The
// engine never talks to the network directly: effect rows are written to an
// outbox inside the per-market critical section and dispatched outside it,
// at-least-once, keyed by event id so the port can deduplicate retries.
package ledger

import (
	"context"
	"sync"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// Receipt acknowledges a persisted message or transfer.
type Receipt struct {
	EffectID string
	Sequence uint64
}

// SubmitOpts carries optional per-call settings for topic submission.
type SubmitOpts struct {
	// EffectID keys the call for idempotent retry.
	EffectID string
}

// TransferOpts carries optional per-call settings for value movement.
type TransferOpts struct {
	EffectID string
	Memo     string
}

// Port is the only outbound dependency of the engine.
type Port interface {
	// SubmitMessage persists an opaque JSON payload on a topic.
	SubmitMessage(ctx context.Context, topicID string, payload []byte, opts SubmitOpts) (Receipt, error)
	// Transfer moves value between ledger accounts. May fail with
	// INSUFFICIENT_FUNDS or NETWORK_ERROR.
	Transfer(ctx context.Context, from, to string, amount hbar.Tinybar, opts TransferOpts) (Receipt, error)
}

// Message is a recorded topic submission (in-memory port).
type Message struct {
	TopicID  string
	Payload  []byte
	EffectID string
}

// Movement is a recorded transfer (in-memory port).
type Movement struct {
	From     string
	To       string
	Amount   hbar.Tinybar
	EffectID string
}

// InMemoryPort is the deterministic test implementation. It records every
// call, deduplicates by effect id, and can be scripted to fail the next N
// calls with NETWORK_ERROR to exercise outbox retry.
type InMemoryPort struct {
	mu        sync.Mutex
	seq       uint64
	seen      map[string]Receipt
	Messages  []Message
	Movements []Movement

	// FailNext makes the next N calls fail with NETWORK_ERROR.
	FailNext int
}

func NewInMemoryPort() *InMemoryPort {
	return &InMemoryPort{seen: make(map[string]Receipt)}
}

func (p *InMemoryPort) SubmitMessage(_ context.Context, topicID string, payload []byte, opts SubmitOpts) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext > 0 {
		p.FailNext--
		return Receipt{}, errs.New(errs.NetworkError, "submit %s unavailable", topicID)
	}
	if opts.EffectID != "" {
		if r, ok := p.seen[opts.EffectID]; ok {
			return r, nil
		}
	}
	p.seq++
	r := Receipt{EffectID: opts.EffectID, Sequence: p.seq}
	p.Messages = append(p.Messages, Message{TopicID: topicID, Payload: payload, EffectID: opts.EffectID})
	if opts.EffectID != "" {
		p.seen[opts.EffectID] = r
	}
	return r, nil
}

func (p *InMemoryPort) Transfer(_ context.Context, from, to string, amount hbar.Tinybar, opts TransferOpts) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext > 0 {
		p.FailNext--
		return Receipt{}, errs.New(errs.NetworkError, "transfer unavailable")
	}
	if amount < 0 {
		return Receipt{}, errs.New(errs.Validation, "negative transfer amount")
	}
	if opts.EffectID != "" {
		if r, ok := p.seen[opts.EffectID]; ok {
			return r, nil
		}
	}
	p.seq++
	r := Receipt{EffectID: opts.EffectID, Sequence: p.seq}
	p.Movements = append(p.Movements, Movement{From: from, To: to, Amount: amount, EffectID: opts.EffectID})
	if opts.EffectID != "" {
		p.seen[opts.EffectID] = r
	}
	return r, nil
}
