package collab

import (
	"fmt"
	"iter"

	"codeCollab/backend/internal/ot"
)

// LogPosition 从 1 开始；0 表示“还什么都没有”
type LogPosition uint64

// OpLog 只追加的操作日志。日志顺序就是集成顺序，天然满足因果序。
type OpLog struct {
	// 基础快照里已经包含、但日志中没有的操作
	floor   ot.VersionVector
	ops     []ot.Operation
	version ot.VersionVector
}

func NewOpLog() *OpLog { return NewOpLogFrom(nil) }

func NewOpLogFrom(floor ot.VersionVector) *OpLog {
	return &OpLog{
		floor:   floor.Copy(),
		version: floor.Copy(),
	}
}

func (l *OpLog) Append(op ot.Operation) (LogPosition, error) {
	id := op.ID()
	if l.version.Includes(id) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateOperation, id)
	}
	if !op.Context.LessOrEqual(l.version) || l.version.Get(op.SiteID)+1 != op.Seq {
		return 0, fmt.Errorf("%w: %s depends on %s, log has %s", ErrCausalityViolation, id, op.Context, l.version)
	}
	l.ops = append(l.ops, op)
	pos := LogPosition(len(l.ops))
	l.version.Advance(id)
	return pos, nil
}

func (l *OpLog) Has(id ot.OpID) bool            { return l.version.Includes(id) }
func (l *OpLog) Len() int                       { return len(l.ops) }
func (l *OpLog) Head() LogPosition              { return LogPosition(len(l.ops)) }
func (l *OpLog) Version() ot.VersionVector      { return l.version.Copy() }
func (l *OpLog) Floor() ot.VersionVector        { return l.floor.Copy() }
func (l *OpLog) Covers(v ot.VersionVector) bool { return l.floor.LessOrEqual(v) }

// After 返回 pos 之后追加的操作（副本），用于把日志刷到持久化存储
func (l *OpLog) After(pos LogPosition) []ot.Operation {
	if int(pos) >= len(l.ops) {
		return nil
	}
	out := make([]ot.Operation, len(l.ops)-int(pos))
	copy(out, l.ops[pos:])
	return out
}

// OperationsSince 按日志顺序给出 v 中没有的操作，用于追平落后的参与者。
// 长度在调用时确定（有限）；每次 range 都从头开始（可重启）。
// 调用方应先用 Covers 确认日志能补齐 v 缺的全部内容。
func (l *OpLog) OperationsSince(v ot.VersionVector) iter.Seq[ot.Operation] {
	ops := l.ops[:len(l.ops):len(l.ops)]
	v = v.Copy()
	return func(yield func(ot.Operation) bool) {
		for _, op := range ops {
			if v.Includes(op.ID()) {
				continue
			}
			if !yield(op) {
				return
			}
		}
	}
}
