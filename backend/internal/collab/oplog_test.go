package collab

import (
	"errors"
	"slices"
	"testing"

	"codeCollab/backend/internal/ot"
)

func ids(seq func(func(ot.Operation) bool)) []string {
	var out []string
	for op := range seq {
		out = append(out, op.ID().String())
	}
	return out
}

func TestOpLog_AppendChecksCausality(t *testing.T) {
	l := NewOpLog()
	a1 := ot.NewInsert("A", 1, ot.VersionVector{}, 0, "a")
	b1 := ot.NewInsert("B", 1, ot.VersionVector{"A": 1}, 0, "b")

	if _, err := l.Append(b1); !errors.Is(err, ErrCausalityViolation) {
		t.Fatalf("Append(b1) error = %v, want ErrCausalityViolation", err)
	}
	pos, err := l.Append(a1)
	if err != nil {
		t.Fatalf("Append(a1) error = %v", err)
	}
	if pos != 1 {
		t.Fatalf("Append(a1) = %d, want 1", pos)
	}
	if _, err := l.Append(a1); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("Append(a1 again) error = %v, want ErrDuplicateOperation", err)
	}
	if pos, err := l.Append(b1); err != nil || pos != 2 {
		t.Fatalf("Append(b1) = %d, %v, want 2, nil", pos, err)
	}
	if got := l.Version(); !got.Equal(ot.VersionVector{"A": 1, "B": 1}) {
		t.Fatalf("Version() = %s, want {A:1,B:1}", got)
	}
}

func TestOpLog_OperationsSinceReturnsExactlyTheMissingOps(t *testing.T) {
	a := NewReplica("A", "e1", "")
	b := NewReplica("B", "e1", "")
	server := NewReplica("", "e1", "")

	a1 := mustInsert(t, a, 0, "hello")
	mustIntegrate(t, server, a1)
	mustIntegrate(t, b, a1)

	// B 在这之后断线；期间 A 和 B 各自继续编辑
	b2 := mustInsert(t, b, 5, "?")
	a2 := mustInsert(t, a, 5, " world")
	a3 := mustDelete(t, a, 0, 1)
	mustIntegrate(t, server, a2, b2, a3)

	// B 重连时带着自己的版本 {A:1, B:1}
	got := ids(server.Log().OperationsSince(b.Version()))
	want := []string{"A:2", "A:3"}
	if !slices.Equal(got, want) {
		t.Fatalf("OperationsSince(%s) = %v, want %v", b.Version(), got, want)
	}
	for op := range server.Log().OperationsSince(b.Version()) {
		mustIntegrate(t, b, op)
	}
	if got, want := b.Text(), server.Text(); got != want {
		t.Fatalf("B.Text() = %q, want %q", got, want)
	}
}

func TestOpLog_OperationsSinceIsFiniteAndRestartable(t *testing.T) {
	l := NewOpLog()
	for i := 1; i <= 3; i++ {
		op := ot.NewInsert("A", uint64(i), ot.VersionVector{"A": uint64(i - 1)}, 0, "x")
		if _, err := l.Append(op); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	seq := l.OperationsSince(ot.VersionVector{"A": 1})
	// 迭代器创建后再追加的操作不会出现
	if _, err := l.Append(ot.NewInsert("A", 4, ot.VersionVector{"A": 3}, 0, "x")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	first := ids(seq)
	second := ids(seq)
	want := []string{"A:2", "A:3"}
	if !slices.Equal(first, want) || !slices.Equal(second, want) {
		t.Fatalf("ranges = %v / %v, want %v twice", first, second, want)
	}
	for op := range seq {
		_ = op
		break // 提前结束不能 panic
	}
}

func TestOpLog_Floor(t *testing.T) {
	l := NewOpLogFrom(ot.VersionVector{"A": 2})
	if !l.Has(ot.OpID{SiteID: "A", Seq: 2}) {
		t.Fatalf("Has(A:2) = false, want true")
	}
	if l.Covers(ot.VersionVector{"A": 1}) {
		t.Fatalf("Covers({A:1}) = true, want false")
	}
	if !l.Covers(ot.VersionVector{"A": 2, "B": 1}) {
		t.Fatalf("Covers({A:2,B:1}) = false, want true")
	}
	if _, err := l.Append(ot.NewInsert("A", 3, ot.VersionVector{"A": 2}, 0, "x")); err != nil {
		t.Fatalf("Append(A:3) error = %v", err)
	}
	if got := len(l.After(0)); got != 1 {
		t.Fatalf("After(0) returned %d ops, want 1", got)
	}
}
