// Package cache maintains the client-local materialized mirror of
// subscribed table rows.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/calebmills/stdb-go/internal/events"
	"github.com/calebmills/stdb-go/internal/protocol"
)

// RowDecoder turns one string-encoded row document into its identity key
// and decoded value.
type RowDecoder func(raw string) (key string, value any, err error)

// RowDelta summarizes one applied table update, carried on table_update
// events.
type RowDelta struct {
	Inserted int
	Deleted  int
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	DecodeErrors  uint64
	UnknownTables uint64
	RowCounts     map[string]int
}

type tableEntry struct {
	name   string
	decode RowDecoder
	rows   map[string]any
}

// Processor interprets inbound table updates and mutates the local cache.
// It owns every table; external readers get snapshot copies. Table lookup
// is exact: a name resolves only through its registered spelling or a
// registered alias, never containment.
type Processor struct {
	dispatcher *events.Dispatcher
	logger     *slog.Logger

	mu      sync.RWMutex
	tables  map[string]*tableEntry // canonical name → entry
	aliases map[string]string      // exact name or alias → canonical name

	decodeErrs    atomic.Uint64
	unknownTables atomic.Uint64
}

// NewProcessor creates a processor that emits table events through d.
func NewProcessor(d *events.Dispatcher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		dispatcher: d,
		logger:     logger,
		tables:     make(map[string]*tableEntry),
		aliases:    make(map[string]string),
	}
}

// Register adds a table to the known set with its typed row decoder.
// Aliases (established plural or singular forms) resolve to the same
// table. Registering an existing table replaces its decoder and keeps its
// rows.
func (p *Processor) Register(name string, dec RowDecoder, aliases ...string) {
	if dec == nil {
		dec = DecodeJSONRow
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.tables[name]
	if !ok {
		entry = &tableEntry{name: name, rows: make(map[string]any)}
		p.tables[name] = entry
	}
	entry.decode = dec

	p.aliases[name] = name
	for _, a := range aliases {
		p.aliases[a] = name
	}
}

// Known reports whether a name resolves to a registered table.
func (p *Processor) Known(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.aliases[name]
	return ok
}

// ApplySnapshot replaces the contents of every table named in the
// snapshot. The snapshot is authoritative: rows absent from it are gone.
func (p *Processor) ApplySnapshot(tables []protocol.TableUpdate) {
	for _, tu := range tables {
		p.apply(tu, true)
	}
}

// ApplyUpdate applies one incremental table update in arrival order.
func (p *Processor) ApplyUpdate(tu protocol.TableUpdate) {
	p.apply(tu, false)
}

// apply decodes and applies one table update batch. Deletes are applied
// before inserts so a key deleted and reinserted in the same batch ends up
// with the inserted row, never a resurrected stale one. Row decode
// failures skip the row and count it; the rest of the batch still applies.
func (p *Processor) apply(tu protocol.TableUpdate, replace bool) {
	p.mu.RLock()
	canonical, ok := p.aliases[tu.TableName]
	var entry *tableEntry
	var decode RowDecoder
	if ok {
		entry = p.tables[canonical]
		// Captured under the lock: Register may swap the decoder while a
		// batch is in flight, and the batch must decode consistently with
		// one decoder.
		decode = entry.decode
	}
	p.mu.RUnlock()

	if !ok {
		p.unknownTables.Add(1)
		p.logger.Warn("update for unknown table, dropping batch",
			"table", tu.TableName,
		)
		return
	}

	// Decode outside the write lock. The outer update-operation list is
	// flattened: every operation contributes to one delete set and one
	// insert set for the whole batch.
	deleteKeys := make([]string, 0)
	inserts := make(map[string]any)
	insertOrder := make([]string, 0)

	for _, op := range tu.Updates {
		for _, raw := range op.Deletes {
			key, _, err := decode(raw)
			if err != nil {
				p.skipRow(canonical, "delete", err)
				continue
			}
			deleteKeys = append(deleteKeys, key)
		}
		for _, raw := range op.Inserts {
			key, value, err := decode(raw)
			if err != nil {
				p.skipRow(canonical, "insert", err)
				continue
			}
			if _, seen := inserts[key]; !seen {
				insertOrder = append(insertOrder, key)
			}
			inserts[key] = value
		}
	}

	p.mu.Lock()
	if replace {
		entry.rows = make(map[string]any, len(inserts))
	}
	for _, key := range deleteKeys {
		delete(entry.rows, key)
	}
	for _, key := range insertOrder {
		entry.rows[key] = inserts[key]
	}
	p.mu.Unlock()

	if p.dispatcher != nil {
		p.dispatcher.Fire(events.Event{
			Name:  events.EventTableUpdate,
			Table: canonical,
			Data:  RowDelta{Inserted: len(inserts), Deleted: len(deleteKeys)},
		})
	}
}

func (p *Processor) skipRow(table, op string, err error) {
	p.decodeErrs.Add(1)
	p.logger.Warn("row decode failed, skipping row",
		"table", table,
		"op", op,
		"error", err,
	)
}

// Snapshot returns a copy of a table's rows. The second return is false
// when the name does not resolve to a registered table.
func (p *Processor) Snapshot(name string) (map[string]any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	canonical, ok := p.aliases[name]
	if !ok {
		return nil, false
	}
	entry := p.tables[canonical]
	rows := make(map[string]any, len(entry.rows))
	for k, v := range entry.rows {
		rows[k] = v
	}
	return rows, true
}

// Stats returns diagnostic counters and per-table row counts.
func (p *Processor) Stats() Stats {
	p.mu.RLock()
	counts := make(map[string]int, len(p.tables))
	for name, entry := range p.tables {
		counts[name] = len(entry.rows)
	}
	p.mu.RUnlock()

	return Stats{
		DecodeErrors:  p.decodeErrs.Load(),
		UnknownTables: p.unknownTables.Load(),
		RowCounts:     counts,
	}
}

// Reset clears every table's rows. Called when a connection is torn down
// for good; a reconnect's initial snapshot repopulates them.
func (p *Processor) Reset() {
	p.mu.Lock()
	for _, entry := range p.tables {
		entry.rows = make(map[string]any)
	}
	p.mu.Unlock()
}
