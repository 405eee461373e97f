package collab

import (
	"codeCollab/backend/internal/ot/delta"
)

// 文档内容的物化视图：合并引擎算出的 delta 按顺序作用在上面，
// 内容始终等于字符单元序列里可见字符拼起来的文本。PieceTable 是唯一的实现。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}
