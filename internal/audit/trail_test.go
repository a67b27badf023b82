package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func rec(actor string) Record {
	return Record{Actor: actor, Action: ActionAuthorize, Outcome: OutcomeAllowed}
}

func TestTrailRingEviction(t *testing.T) {
	trail := NewTrail(4, nil, zap.NewNop())

	for _, a := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		trail.Log(rec(a))
	}

	if trail.Len() != 4 {
		t.Fatalf("ring len = %d, want 4", trail.Len())
	}

	records, total := trail.Read(1, 10)
	if total != 6 {
		t.Fatalf("total = %d, want 6", total)
	}
	// Новые первыми; a1 и a2 вытеснены
	want := []string{"a6", "a5", "a4", "a3"}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, w := range want {
		if records[i].Actor != w {
			t.Errorf("records[%d].Actor = %q, want %q", i, records[i].Actor, w)
		}
	}
}

func TestTrailReadPagination(t *testing.T) {
	trail := NewTrail(10, nil, zap.NewNop())
	for _, a := range []string{"a1", "a2", "a3", "a4", "a5"} {
		trail.Log(rec(a))
	}

	page1, _ := trail.Read(1, 2)
	page2, _ := trail.Read(2, 2)
	page3, _ := trail.Read(3, 2)

	if page1[0].Actor != "a5" || page1[1].Actor != "a4" {
		t.Errorf("page1 = [%s %s], want [a5 a4]", page1[0].Actor, page1[1].Actor)
	}
	if page2[0].Actor != "a3" || page2[1].Actor != "a2" {
		t.Errorf("page2 = [%s %s], want [a3 a2]", page2[0].Actor, page2[1].Actor)
	}
	if len(page3) != 1 || page3[0].Actor != "a1" {
		t.Errorf("page3 = %v, want [a1]", page3)
	}

	empty, _ := trail.Read(4, 2)
	if len(empty) != 0 {
		t.Errorf("page past the end must be empty, got %d records", len(empty))
	}
}

func TestTrailReadEmpty(t *testing.T) {
	trail := NewTrail(8, nil, zap.NewNop())
	records, total := trail.Read(1, 50)
	if len(records) != 0 || total != 0 {
		t.Fatalf("empty trail: got %d records, total %d", len(records), total)
	}
}

func TestTrailFillsID(t *testing.T) {
	trail := NewTrail(8, nil, zap.NewNop())
	trail.Log(Record{Actor: "x", Action: ActionTaskStep})

	records, _ := trail.Read(1, 1)
	if records[0].ID == "" {
		t.Error("record ID must be generated")
	}
	if records[0].Timestamp.IsZero() {
		t.Error("record timestamp must be filled")
	}
}

type fakeStorage struct {
	mu      sync.Mutex
	batches [][]Record
}

func (f *fakeStorage) WriteBatch(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Record, len(records))
	copy(cp, records)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestTrailDrainOnStop(t *testing.T) {
	storage := &fakeStorage{}
	trail := NewTrail(100, storage, zap.NewNop())
	trail.Start()

	for i := 0; i < 37; i++ {
		trail.Log(rec("actor"))
	}
	trail.Stop()

	if got := storage.count(); got != 37 {
		t.Fatalf("persisted %d records after drain, want 37", got)
	}
}

func TestTrailPeriodicFlush(t *testing.T) {
	storage := &fakeStorage{}
	trail := NewTrail(100, storage, zap.NewNop())
	trail.Start()
	defer trail.Stop()

	trail.Log(rec("single"))

	// Воркер сбрасывает по таймеру в 500ms
	deadline := time.Now().Add(2 * time.Second)
	for storage.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if storage.count() != 1 {
		t.Fatalf("periodic flush did not happen, persisted %d", storage.count())
	}
}
