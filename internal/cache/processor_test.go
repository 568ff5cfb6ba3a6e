package cache

import (
	"sync"
	"testing"

	"github.com/calebmills/stdb-go/internal/events"
	"github.com/calebmills/stdb-go/internal/protocol"
)

func newTestProcessor() *Processor {
	p := NewProcessor(events.NewDispatcher(nil), nil)
	p.Register("entities", nil)
	p.Register("players", nil)
	return p
}

func update(table string, ops ...protocol.QueryUpdate) protocol.TableUpdate {
	return protocol.TableUpdate{TableName: table, Updates: ops}
}

func TestApplyUpdateInsertsRow(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1,"x":10,"y":20}`},
	}))

	rows, ok := p.Snapshot("entities")
	if !ok {
		t.Fatal("entities table not found")
	}
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want 1", len(rows))
	}
	row, ok := rows["1"].(map[string]any)
	if !ok {
		t.Fatalf("row type = %T, want map", rows["1"])
	}
	if row["x"] != float64(10) {
		t.Errorf("row x = %v, want 10", row["x"])
	}
}

func TestExactNameMatching(t *testing.T) {
	p := NewProcessor(events.NewDispatcher(nil), nil)
	p.Register("entity", nil)
	p.Register("entities", nil)

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1}`},
	}))
	p.ApplyUpdate(update("entity", protocol.QueryUpdate{
		Inserts: []string{`{"id":2}`},
	}))

	if rows, _ := p.Snapshot("entities"); len(rows) != 1 || rows["1"] == nil {
		t.Errorf("entities rows = %v, want exactly row 1", rows)
	}
	if rows, _ := p.Snapshot("entity"); len(rows) != 1 || rows["2"] == nil {
		t.Errorf("entity rows = %v, want exactly row 2", rows)
	}
}

func TestAliasResolvesToSameTable(t *testing.T) {
	p := NewProcessor(events.NewDispatcher(nil), nil)
	p.Register("players", nil, "player")

	p.ApplyUpdate(update("player", protocol.QueryUpdate{
		Inserts: []string{`{"id":5}`},
	}))

	rows, ok := p.Snapshot("players")
	if !ok || len(rows) != 1 {
		t.Fatalf("players rows = %v, want one row via alias", rows)
	}
}

func TestUnknownTableDropsBatch(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entitie", protocol.QueryUpdate{
		Inserts: []string{`{"id":1}`},
	}))

	if rows, _ := p.Snapshot("entities"); len(rows) != 0 {
		t.Errorf("near-miss name leaked rows into entities: %v", rows)
	}
	if stats := p.Stats(); stats.UnknownTables != 1 {
		t.Errorf("unknown table count = %d, want 1", stats.UnknownTables)
	}
}

// A key deleted and reinserted in the same batch keeps the inserted row,
// regardless of operation order within the batch.
func TestDeletesApplyBeforeInsertsPerBatch(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1,"gen":1}`},
	}))

	orderings := [][]protocol.QueryUpdate{
		{
			{Inserts: []string{`{"id":1,"gen":2}`}},
			{Deletes: []string{`{"id":1,"gen":1}`}},
		},
		{
			{Deletes: []string{`{"id":1,"gen":1}`}},
			{Inserts: []string{`{"id":1,"gen":2}`}},
		},
	}

	for i, ops := range orderings {
		p.ApplyUpdate(update("entities", protocol.QueryUpdate{
			Inserts: []string{`{"id":1,"gen":1}`},
		}))
		p.ApplyUpdate(update("entities", ops...))

		rows, _ := p.Snapshot("entities")
		row, ok := rows["1"].(map[string]any)
		if !ok {
			t.Fatalf("ordering %d: row 1 missing after delete+reinsert", i)
		}
		if row["gen"] != float64(2) {
			t.Errorf("ordering %d: row gen = %v, want 2 (stale row resurrected)", i, row["gen"])
		}
	}
}

func TestBatchesApplyInArrivalOrder(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1,"gen":1}`},
	}))
	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Deletes: []string{`{"id":1,"gen":1}`},
	}))

	if rows, _ := p.Snapshot("entities"); len(rows) != 0 {
		t.Errorf("rows = %v, want empty after later delete batch", rows)
	}
}

func TestNestedOperationListsAreFlattened(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entities",
		protocol.QueryUpdate{Inserts: []string{`{"id":1}`}},
		protocol.QueryUpdate{Inserts: []string{`{"id":2}`}},
		protocol.QueryUpdate{Inserts: []string{`{"id":3}`}, Deletes: []string{`{"id":1}`}},
	))

	rows, _ := p.Snapshot("entities")
	if len(rows) != 2 {
		t.Fatalf("row count = %d, want 2: %v", len(rows), rows)
	}
	// Row 1 was inserted and deleted within the same batch; deletes apply
	// first, so the insert survives.
	if rows["1"] == nil {
		t.Error("row 1 missing: same-batch delete resurrection guard broke insert")
	}
}

func TestBadRowSkippedBatchApplies(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`not json`, `{"id":2}`, `{"no_id":true}`},
	}))

	rows, _ := p.Snapshot("entities")
	if len(rows) != 1 || rows["2"] == nil {
		t.Errorf("rows = %v, want only row 2", rows)
	}
	if stats := p.Stats(); stats.DecodeErrors != 2 {
		t.Errorf("decode error count = %d, want 2", stats.DecodeErrors)
	}
}

func TestApplySnapshotReplacesContents(t *testing.T) {
	p := newTestProcessor()

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1}`, `{"id":2}`},
	}))
	p.ApplySnapshot([]protocol.TableUpdate{
		update("entities", protocol.QueryUpdate{Inserts: []string{`{"id":3}`}}),
	})

	rows, _ := p.Snapshot("entities")
	if len(rows) != 1 || rows["3"] == nil {
		t.Errorf("rows = %v, want exactly row 3 after snapshot", rows)
	}
}

func TestTableUpdateEventFired(t *testing.T) {
	d := events.NewDispatcher(nil)
	p := NewProcessor(d, nil)
	p.Register("entities", nil)

	var got RowDelta
	var table string
	d.On(events.EventTableUpdate, func(ev events.Event) {
		table = ev.Table
		got = ev.Data.(RowDelta)
	})

	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1}`, `{"id":2}`},
		Deletes: []string{`{"id":9}`},
	}))

	if table != "entities" {
		t.Errorf("event table = %q, want entities", table)
	}
	if got.Inserted != 2 || got.Deleted != 1 {
		t.Errorf("delta = %+v, want 2 inserted 1 deleted", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	p := newTestProcessor()
	p.ApplyUpdate(update("entities", protocol.QueryUpdate{
		Inserts: []string{`{"id":1}`},
	}))

	rows, _ := p.Snapshot("entities")
	delete(rows, "1")

	if again, _ := p.Snapshot("entities"); len(again) != 1 {
		t.Error("mutating a snapshot changed the cache")
	}
}

func TestConcurrentRegisterAndApply(t *testing.T) {
	p := newTestProcessor()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			p.ApplyUpdate(update("entities", protocol.QueryUpdate{
				Inserts: []string{`{"id":1,"x":5}`},
			}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			p.Register("entities", DecodeJSONRow)
		}
	}()
	wg.Wait()

	rows, ok := p.Snapshot("entities")
	if !ok {
		t.Fatal("entities table not found")
	}
	if len(rows) != 1 {
		t.Errorf("row count = %d, want 1", len(rows))
	}
}
