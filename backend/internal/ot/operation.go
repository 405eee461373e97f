package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrInvalid = errors.New("INVALID_OPERATION")

// OpID 操作的全局唯一标识：(siteId, seq)，去重/幂等都靠它
type OpID struct {
	SiteID string `json:"siteId"`
	Seq    uint64 `json:"seq"`
}

func (id OpID) String() string { return fmt.Sprintf("%s:%d", id.SiteID, id.Seq) }

// Less 按 (siteId, seq) 排序
func (id OpID) Less(o OpID) bool {
	if id.SiteID != o.SiteID {
		return id.SiteID < o.SiteID
	}
	return id.Seq < o.Seq
}

// Operation 一次原子编辑。创建后不可修改。
// Position/Length 以 rune 计，相对于 Context 描述的文档状态。
type Operation struct {
	SiteID string `json:"siteId"`
	// 同一个 site 内从 1 开始连续递增
	Seq uint64 `json:"seq"`
	// 依赖的操作集合（向下闭包），一定包含 (SiteID, Seq-1)
	Context   VersionVector `json:"context"`
	Kind      Kind          `json:"kind"`
	Position  int           `json:"position"`
	Text      string        `json:"text,omitempty"`   // insert
	Length    int           `json:"length,omitempty"` // delete
	Timestamp time.Time     `json:"timestamp"`
}

func NewInsert(siteID string, seq uint64, ctx VersionVector, pos int, text string) Operation {
	return Operation{
		SiteID:    siteID,
		Seq:       seq,
		Context:   ctx.Copy(),
		Kind:      KindInsert,
		Position:  pos,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func NewDelete(siteID string, seq uint64, ctx VersionVector, pos, length int) Operation {
	return Operation{
		SiteID:    siteID,
		Seq:       seq,
		Context:   ctx.Copy(),
		Kind:      KindDelete,
		Position:  pos,
		Length:    length,
		Timestamp: time.Now().UTC(),
	}
}

func (op Operation) ID() OpID { return OpID{SiteID: op.SiteID, Seq: op.Seq} }

// Span insert 返回文本长度，delete 返回删除长度
func (op Operation) Span() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Length
}

// Validate 只检查操作自身的结构，不检查依赖是否存在
func (op Operation) Validate() error {
	if op.SiteID == "" {
		return fmt.Errorf("%w: empty siteId", ErrInvalid)
	}
	if op.Seq == 0 {
		return fmt.Errorf("%w: seq must start at 1", ErrInvalid)
	}
	if op.Context.Get(op.SiteID) != op.Seq-1 {
		return fmt.Errorf("%w: context of %s must contain %s:%d", ErrInvalid, op.ID(), op.SiteID, op.Seq-1)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalid, op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert text is not utf-8", ErrInvalid)
		}
	case KindDelete:
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalid, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, op.Kind)
	}
	return nil
}

func (op Operation) String() string {
	if op.Kind == KindInsert {
		return fmt.Sprintf("%s insert(%d,%q)", op.ID(), op.Position, op.Text)
	}
	return fmt.Sprintf("%s delete(%d,%d)", op.ID(), op.Position, op.Length)
}

func Encode(op Operation) ([]byte, error) { return json.Marshal(op) }

func Decode(b []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(b, &op); err != nil {
		return Operation{}, err
	}
	if op.Context == nil {
		op.Context = VersionVector{}
	}
	return op, op.Validate()
}
