package collab

import (
	"errors"
	"fmt"
	"log"
	"slices"

	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/ot/delta"
)

// Applied 一次成功集成的结果
type Applied struct {
	Op       ot.Operation
	Position LogPosition
	// 接收方在本地当前文档上要执行的变换后操作
	Delta delta.Delta
}

// Replica 合并引擎：文档状态 + 操作日志 + 因果缓冲区。
// 本地编辑立即生效（乐观），远端操作按因果上下文合并。非并发安全。
type Replica struct {
	siteID  string
	doc     *Document
	log     *OpLog
	pending map[ot.OpID]ot.Operation
}

func NewReplica(siteID, epoch, base string) *Replica {
	return &Replica{
		siteID:  siteID,
		doc:     NewDocument(epoch, base),
		log:     NewOpLog(),
		pending: make(map[ot.OpID]ot.Operation),
	}
}

// RestoreReplica 从快照恢复；快照里已有的操作不会出现在日志中（floor）
func RestoreReplica(siteID string, s Snapshot) (*Replica, error) {
	doc, err := RestoreDocument(s)
	if err != nil {
		return nil, err
	}
	return &Replica{
		siteID:  siteID,
		doc:     doc,
		log:     NewOpLogFrom(s.Version),
		pending: make(map[ot.OpID]ot.Operation),
	}, nil
}

// Rehydrate 用持久化的日志重建副本：文档从 checkpoint 恢复，
// 日志从 floor 开始装入全部操作，checkpoint 之后的再应用到文档上。
func Rehydrate(siteID string, floor ot.VersionVector, checkpoint Snapshot, journal []ot.Operation) (*Replica, error) {
	doc, err := RestoreDocument(checkpoint)
	if err != nil {
		return nil, err
	}
	if !floor.LessOrEqual(doc.version) {
		return nil, fmt.Errorf("%w: checkpoint %s is older than journal floor %s", ErrInvalidOperation, doc.version, floor)
	}
	r := &Replica{
		siteID:  siteID,
		doc:     doc,
		log:     NewOpLogFrom(floor),
		pending: make(map[ot.OpID]ot.Operation),
	}
	for _, op := range journal {
		if _, err := r.log.Append(op); err != nil {
			return nil, fmt.Errorf("replay %s: %w", op.ID(), err)
		}
		if r.doc.Has(op.ID()) {
			continue
		}
		if _, err := r.doc.Apply(op); err != nil {
			return nil, fmt.Errorf("replay %s: %w", op.ID(), err)
		}
	}
	if !r.log.Version().Equal(r.doc.version) {
		return nil, fmt.Errorf("%w: journal ends at %s, checkpoint at %s", ErrCausalityViolation, r.log.Version(), r.doc.version)
	}
	return r, nil
}

func (r *Replica) SiteID() string                 { return r.siteID }
func (r *Replica) Epoch() string                  { return r.doc.Epoch() }
func (r *Replica) Text() string                   { return r.doc.Text() }
func (r *Replica) Len() int                       { return r.doc.Len() }
func (r *Replica) Version() ot.VersionVector      { return r.doc.Version() }
func (r *Replica) Has(id ot.OpID) bool            { return r.doc.Has(id) }
func (r *Replica) Log() *OpLog                    { return r.log }
func (r *Replica) Snapshot() Snapshot             { return r.doc.Snapshot() }
func (r *Replica) Pending() int                   { return len(r.pending) }
func (r *Replica) NextSeq() uint64                { return r.doc.version.Get(r.siteID) + 1 }
func (r *Replica) Covers(v ot.VersionVector) bool { return r.log.Covers(v) }

// SetSiteID 只能在本地还没产生过操作时调用（协调者分配 siteId）
func (r *Replica) SetSiteID(siteID string) error {
	if r.siteID != "" && r.doc.version.Get(r.siteID) > 0 {
		return fmt.Errorf("site %s already has operations", r.siteID)
	}
	r.siteID = siteID
	return nil
}

// Insert 本地插入：立即应用，返回需要广播的操作
func (r *Replica) Insert(pos int, text string) (Applied, error) {
	if r.siteID == "" {
		return Applied{}, errors.New("replica has no siteId")
	}
	return r.apply(ot.NewInsert(r.siteID, r.NextSeq(), r.doc.version, pos, text))
}

func (r *Replica) Delete(pos, length int) (Applied, error) {
	if r.siteID == "" {
		return Applied{}, errors.New("replica has no siteId")
	}
	return r.apply(ot.NewDelete(r.siteID, r.NextSeq(), r.doc.version, pos, length))
}

// Integrate 合并一个远端操作。
// - 已集成过的：忽略（幂等，重连重放不产生影响）
// - 依赖缺失：放进缓冲区，等日志补齐后自动集成，不报错也不丢弃
// - 越界/非法：返回错误，操作被拒绝
// 返回本次实际集成的操作，包括因它而解除阻塞的缓冲操作。
func (r *Replica) Integrate(op ot.Operation) ([]Applied, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if r.doc.Has(op.ID()) {
		return nil, nil
	}
	if _, ok := r.pending[op.ID()]; ok {
		return nil, nil
	}
	if !r.doc.Ready(op) {
		r.pending[op.ID()] = op
		return nil, nil
	}
	a, err := r.apply(op)
	if err != nil {
		return nil, err
	}
	return append([]Applied{a}, r.drain()...), nil
}

func (r *Replica) apply(op ot.Operation) (Applied, error) {
	d, err := r.doc.Apply(op)
	if err != nil {
		return Applied{}, err
	}
	pos, err := r.log.Append(op)
	if err != nil {
		// 文档和日志总是同步前进，走到这里说明状态已损坏
		panic(fmt.Sprintf("collab: log rejected %s after document accepted it: %v", op.ID(), err))
	}
	return Applied{Op: op, Position: pos, Delta: d}, nil
}

// 反复扫描缓冲区，直到没有可集成的操作
func (r *Replica) drain() []Applied {
	var out []Applied
	for progress := true; progress && len(r.pending) > 0; {
		progress = false
		ids := make([]ot.OpID, 0, len(r.pending))
		for id := range r.pending {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, func(a, b ot.OpID) int {
			if a.Less(b) {
				return -1
			}
			if b.Less(a) {
				return 1
			}
			return 0
		})
		for _, id := range ids {
			op := r.pending[id]
			if r.doc.Has(id) {
				delete(r.pending, id)
				continue
			}
			if !r.doc.Ready(op) {
				continue
			}
			delete(r.pending, id)
			a, err := r.apply(op)
			if err != nil {
				log.Printf("reject buffered op %s: %v", id, err)
				continue
			}
			out = append(out, a)
			progress = true
		}
	}
	return out
}
