package storage

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/minjcho/hedgemark/pkg/events"
)

// Archive appends trade, liquidation and ledger-effect history to pebble.
// Keys carry a zero-padded sequence so prefix scans return insertion order:
//
//	fill:<seq>    → orderbook.Fill JSON
//	liq:<seq>     → liquidation.Record JSON
//	fx:<seq>      → ledger.Effect JSON
//	seq           → last sequence
//
// The archive is history only; canonical state lives in the JSON snapshots.
type Archive struct {
	db     *pebble.DB
	logger *zap.SugaredLogger
	seq    atomic.Uint64
}

const (
	prefixFill   = "fill:"
	prefixLiq    = "liq:"
	prefixEffect = "fx:"
	keySeq       = "seq"
)

func OpenArchive(path string, logger *zap.SugaredLogger) (*Archive, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open archive at %s: %w", path, err)
	}
	a := &Archive{db: db, logger: logger}

	if val, closer, err := db.Get([]byte(keySeq)); err == nil {
		var n uint64
		if jerr := json.Unmarshal(val, &n); jerr == nil {
			a.seq.Store(n)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("read archive sequence: %w", err)
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func seqKey(prefix string, n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, n))
}

func (a *Archive) append(prefix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal archive row: %w", err)
	}
	n := a.seq.Add(1)
	batch := a.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(seqKey(prefix, n), data, nil); err != nil {
		return err
	}
	seqVal, _ := json.Marshal(n)
	if err := batch.Set([]byte(keySeq), seqVal, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Scan decodes up to limit rows of a prefix, newest first, into fresh maps.
func (a *Archive) scan(prefix string, limit int) ([]json.RawMessage, error) {
	upper := append([]byte{}, prefix...)
	upper[len(upper)-1]++

	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []json.RawMessage
	for ok := iter.Last(); ok && (limit <= 0 || len(out) < limit); ok = iter.Prev() {
		row := make(json.RawMessage, len(iter.Value()))
		copy(row, iter.Value())
		out = append(out, row)
	}
	return out, nil
}

// Fills returns the newest archived fills as raw JSON rows.
func (a *Archive) Fills(limit int) ([]json.RawMessage, error) {
	return a.scan(prefixFill, limit)
}

// Liquidations returns the newest archived liquidation records.
func (a *Archive) Liquidations(limit int) ([]json.RawMessage, error) {
	return a.scan(prefixLiq, limit)
}

// Effects returns the newest archived ledger effects.
func (a *Archive) Effects(limit int) ([]json.RawMessage, error) {
	return a.scan(prefixEffect, limit)
}

// WireToBus subscribes the archive to the event topics it records. Handlers
// run synchronously on the publisher; pebble writes are fast enough that the
// section-free publish path tolerates them.
func (a *Archive) WireToBus(bus *events.Bus) {
	bus.Subscribe(events.TopicFill, func(_ string, payload any) {
		if err := a.append(prefixFill, payload); err != nil {
			a.logger.Errorw("archive_fill_failed", "err", err)
		}
	})
	bus.Subscribe(events.TopicLiquidation, func(_ string, payload any) {
		if err := a.append(prefixLiq, payload); err != nil {
			a.logger.Errorw("archive_liquidation_failed", "err", err)
		}
	})
}

// RecordEffect archives a dispatched ledger effect.
func (a *Archive) RecordEffect(v any) {
	if err := a.append(prefixEffect, v); err != nil {
		a.logger.Errorw("archive_effect_failed", "err", err)
	}
}
