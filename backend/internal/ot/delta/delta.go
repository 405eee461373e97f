package delta

import "unicode/utf8"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

// Delta 接收方在自己当前文档坐标下要执行的变更
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindInsert {
		d[last].Text += text
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindDelete {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// Chop 去掉末尾没有意义的 retain
func (d Delta) Chop() Delta {
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain {
		return d[:last]
	}
	return d
}

// Empty 不改变文档内容
func (d Delta) Empty() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return false
		}
	}
	return true
}

// TransformIndex 把旧坐标下的位置（光标）映射到应用 d 之后的坐标。
// 恰好落在插入点上的光标被推到插入内容之后。
func (d Delta) TransformIndex(index int) int {
	pos := 0
	out := index
	for _, op := range d {
		if pos > index {
			break
		}
		switch op.Kind {
		case KindRetain:
			pos += op.Count
		case KindInsert:
			out += utf8.RuneCountInString(op.Text)
		case KindDelete:
			if index-pos < op.Count {
				out -= index - pos
			} else {
				out -= op.Count
			}
			pos += op.Count
		}
	}
	return out
}
