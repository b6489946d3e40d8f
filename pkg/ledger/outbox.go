package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/minjcho/hedgemark/pkg/hbar"
)

// EffectKind discriminates outbox rows.
type EffectKind string

const (
	EffectMessage  EffectKind = "message"
	EffectTransfer EffectKind = "transfer"
)

// Effect is one pending ledger side effect. Rows are appended inside the
// per-market critical section and dispatched after it commits, so a crash
// between commit and dispatch re-delivers (at-least-once; the port dedupes on
// EffectID).
type Effect struct {
	ID      string       `json:"id"`
	Kind    EffectKind   `json:"kind"`
	TopicID string       `json:"topicId,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Amount  hbar.Tinybar `json:"amount,omitempty"`
	Tries   int          `json:"tries"`
}

// OnExhausted is invoked when an effect has used up its retry budget. The
// effect stays recorded for reconciliation; in-memory state is untouched.
type OnExhausted func(e Effect, err error)

// Outbox queues effects and dispatches them to the port with exponential
// backoff on NETWORK_ERROR. It never blocks engine sections.
type Outbox struct {
	mu      sync.Mutex
	pending []Effect
	dead    []Effect

	port       Port
	logger     *zap.SugaredLogger
	maxTries   int
	minBackoff time.Duration
	maxBackoff time.Duration
	onDead     OnExhausted
}

func NewOutbox(port Port, logger *zap.SugaredLogger, maxTries int, onDead OnExhausted) *Outbox {
	if maxTries <= 0 {
		maxTries = 5
	}
	return &Outbox{
		port:       port,
		logger:     logger,
		maxTries:   maxTries,
		minBackoff: 50 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		onDead:     onDead,
	}
}

// Enqueue appends an effect row. Safe to call while holding an engine
// section; nothing is dispatched here.
func (o *Outbox) Enqueue(e Effect) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, e)
}

// Dispatch drains the queue, retrying each effect with exponential backoff.
// Called after a section commits, and by the background ticker for effects
// left over from earlier failures.
func (o *Outbox) Dispatch(ctx context.Context) {
	o.mu.Lock()
	batch := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, e := range batch {
		if err := o.send(ctx, e); err != nil {
			o.mu.Lock()
			o.dead = append(o.dead, e)
			o.mu.Unlock()
			if o.onDead != nil {
				o.onDead(e, err)
			}
		}
	}
}

func (o *Outbox) send(ctx context.Context, e Effect) error {
	b := &backoff.Backoff{Min: o.minBackoff, Max: o.maxBackoff, Factor: 2, Jitter: true}

	var err error
	for e.Tries < o.maxTries {
		e.Tries++
		switch e.Kind {
		case EffectTransfer:
			_, err = o.port.Transfer(ctx, e.From, e.To, e.Amount, TransferOpts{EffectID: e.ID})
		default:
			_, err = o.port.SubmitMessage(ctx, e.TopicID, e.Payload, SubmitOpts{EffectID: e.ID})
		}
		if err == nil {
			return nil
		}
		o.logger.Warnw("ledger_effect_retry", "effect_id", e.ID, "kind", e.Kind, "try", e.Tries, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	o.logger.Errorw("ledger_effect_exhausted", "effect_id", e.ID, "kind", e.Kind, "err", err)
	return err
}

// Pending returns a copy of the undelivered rows, including dead-lettered
// ones. Captured by the snapshot so retries survive restart.
func (o *Outbox) Pending() []Effect {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Effect, 0, len(o.pending)+len(o.dead))
	out = append(out, o.pending...)
	out = append(out, o.dead...)
	return out
}

// Restore replaces the queue with rows from a snapshot.
func (o *Outbox) Restore(rows []Effect) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append([]Effect(nil), rows...)
	o.dead = nil
}
