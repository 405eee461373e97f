package delta

import "testing"

func TestBuilderMergesAdjacentOps(t *testing.T) {
	d := Delta{}.Retain(2).Retain(3).Insert("a").Insert("b").Delete(1).Delete(2).Retain(4).Chop()
	if len(d) != 3 {
		t.Fatalf("len(d) = %d, want 3: %+v", len(d), d)
	}
	if d[0].Count != 5 || d[1].Text != "ab" || d[2].Count != 3 {
		t.Fatalf("d = %+v", d)
	}
	if d.Empty() {
		t.Fatalf("Empty() = true, want false")
	}
	if !(Delta{}).Retain(3).Empty() {
		t.Fatalf("Empty() = false for a pure retain")
	}
}

func TestTransformIndex(t *testing.T) {
	cases := []struct {
		name  string
		d     Delta
		index int
		want  int
	}{
		{"insert before", Delta{}.Retain(1).Insert("xy"), 3, 5},
		{"insert at cursor", Delta{}.Retain(3).Insert("xy"), 3, 5},
		{"insert after", Delta{}.Retain(4).Insert("xy"), 3, 3},
		{"delete before", Delta{}.Delete(2), 3, 1},
		{"delete covering", Delta{}.Retain(1).Delete(4), 3, 1},
		{"delete after", Delta{}.Retain(3).Delete(2), 3, 3},
		{"multibyte insert", Delta{}.Insert("你好"), 0, 2},
	}
	for _, c := range cases {
		if got := c.d.TransformIndex(c.index); got != c.want {
			t.Fatalf("%s: TransformIndex(%d) = %d, want %d", c.name, c.index, got, c.want)
		}
	}
}
