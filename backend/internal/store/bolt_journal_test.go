package store

import (
	"errors"
	"path/filepath"
	"testing"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
)

func TestBoltJournal_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenBoltJournal(path)
	if err != nil {
		t.Fatalf("OpenBoltJournal() error = %v", err)
	}

	if st, err := j.Load("p1/f1"); err != nil || st != nil {
		t.Fatalf("Load(missing) = %v, %v, want nil, nil", st, err)
	}

	r := collab.NewReplica("A", "e1", "hello")
	if err := j.Begin("p1/f1", r.Snapshot()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	a1, err := r.Insert(5, " world")
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := j.Append("p1/f1", "e1", []ot.Operation{a1.Op}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.BindSite("p1/f1", "e1", "A", 7); err != nil {
		t.Fatalf("BindSite() error = %v", err)
	}
	if err := j.BindSite("p1/f1", "stale", "B", 8); !errors.Is(err, ErrEpochChanged) {
		t.Fatalf("BindSite(stale epoch) error = %v, want ErrEpochChanged", err)
	}
	if err := j.Checkpoint("p1/f1", r.Snapshot()); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	a2, err := r.Delete(0, 1)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := j.Append("p1/f1", "e1", []ot.Operation{a2.Op}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Append("p1/f1", "stale", []ot.Operation{a2.Op}); !errors.Is(err, ErrEpochChanged) {
		t.Fatalf("Append(stale epoch) error = %v, want ErrEpochChanged", err)
	}

	// 关闭后重新打开，模拟进程重启
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	j, err = OpenBoltJournal(path)
	if err != nil {
		t.Fatalf("OpenBoltJournal(reopen) error = %v", err)
	}
	defer j.Close()

	st, err := j.Load("p1/f1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Epoch != "e1" || len(st.Ops) != 2 || st.Checkpoint.Text != "hello world" {
		t.Fatalf("Load() = epoch %q, %d ops, checkpoint %q", st.Epoch, len(st.Ops), st.Checkpoint.Text)
	}
	if len(st.Sites) != 1 || st.Sites["A"] != 7 {
		t.Fatalf("Load() sites = %v, want map[A:7]", st.Sites)
	}
	got, err := collab.Rehydrate("", st.Floor, st.Checkpoint, st.Ops)
	if err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if got.Text() != "ello world" || !got.Version().Equal(r.Version()) {
		t.Fatalf("Rehydrate() = %q %s, want %q %s", got.Text(), got.Version(), "ello world", r.Version())
	}

	// 新 epoch 清空旧历史
	if err := j.Begin("p1/f1", collab.TextSnapshot("e2", "fresh")); err != nil {
		t.Fatalf("Begin(e2) error = %v", err)
	}
	st, err = j.Load("p1/f1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Epoch != "e2" || len(st.Ops) != 0 || len(st.Sites) != 0 || st.Checkpoint.Text != "fresh" {
		t.Fatalf("Load() after Begin(e2) = %+v", st)
	}

	if err := j.Drop("p1/f1"); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if st, err := j.Load("p1/f1"); err != nil || st != nil {
		t.Fatalf("Load(dropped) = %v, %v, want nil, nil", st, err)
	}
	if err := j.Drop("p1/f1"); err != nil {
		t.Fatalf("Drop(missing) error = %v", err)
	}
}
