package collab

import (
	"fmt"
	"slices"
	"strings"

	"codeCollab/backend/internal/ot"
	"codeCollab/backend/internal/ot/delta"
)

// 基础内容（从存储读出的文件）归在这个空 site 下，seq=0，对所有因果上下文可见
const baseSite = ""

// 一个字符单元。删除只打墓碑，单元本身永远不移除，
// 这样任何副本都能在操作当时的上下文里还原出它看到的文本。
type cell struct {
	op      ot.OpID
	off     int
	ch      rune
	lamport uint64
	deleted []ot.OpID // 可能被并发删除多次
}

func (c *cell) visibleIn(ctx ot.VersionVector) bool {
	if !ctx.Includes(c.op) {
		return false
	}
	for _, d := range c.deleted {
		if ctx.Includes(d) {
			return false
		}
	}
	return true
}

func (c *cell) visible() bool { return len(c.deleted) == 0 }

// 同一个插入点上谁排在前面：Lamport 大的（见过更多历史）在前，
// Lamport 相同（同一时刻并发产生）时 siteId 小的在前
func (c *cell) precedes(lamport uint64, siteID string) bool {
	if c.lamport != lamport {
		return c.lamport > lamport
	}
	return c.op.SiteID < siteID
}

// Document 文档状态：字符单元序列 + 版本向量。
// 非并发安全，由所属会话的事件循环串行调用。
type Document struct {
	epoch    string
	cells    []cell
	version  ot.VersionVector
	lamports map[string][]uint64 // siteId -> 第 seq 个操作的 Lamport 时钟
	buf      Buffer
}

func NewDocument(epoch, base string) *Document {
	d := &Document{
		epoch:    epoch,
		version:  ot.VersionVector{},
		lamports: make(map[string][]uint64),
		buf:      NewPieceTable(base),
	}
	for i, r := range []rune(base) {
		d.cells = append(d.cells, cell{op: ot.OpID{SiteID: baseSite}, off: i, ch: r})
	}
	return d
}

func (d *Document) Epoch() string               { return d.epoch }
func (d *Document) Text() string                { return d.buf.String() }
func (d *Document) Len() int                    { return d.buf.Len() }
func (d *Document) Version() ot.VersionVector   { return d.version.Copy() }
func (d *Document) Has(id ot.OpID) bool         { return d.version.Includes(id) }
func (d *Document) Ready(op ot.Operation) bool  { return op.Context.LessOrEqual(d.version) }
func (d *Document) lamportOf(id ot.OpID) uint64 { return d.lamports[id.SiteID][id.Seq-1] }

// Apply 把操作合并进文档，返回接收方在当前坐标下要执行的 delta。
// 已经集成过的操作直接忽略（幂等）。
func (d *Document) Apply(op ot.Operation) (delta.Delta, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if d.Has(op.ID()) {
		return nil, nil
	}
	if !d.Ready(op) {
		return nil, fmt.Errorf("%w: %s depends on %s, have %s", ErrCausalityViolation, op.ID(), op.Context, d.version)
	}

	lamport := d.clock(op.Context) + 1
	var (
		dl  delta.Delta
		err error
	)
	switch op.Kind {
	case ot.KindInsert:
		dl, err = d.integrateInsert(op, lamport)
	case ot.KindDelete:
		dl, err = d.integrateDelete(op)
	}
	if err != nil {
		return nil, err
	}
	if err := d.buf.Apply(dl); err != nil {
		// 单元序列和物化文本不一致，说明合并逻辑本身有 bug
		panic(fmt.Sprintf("collab: buffer rejected delta for %s: %v", op.ID(), err))
	}
	d.version.Advance(op.ID())
	d.lamports[op.SiteID] = append(d.lamports[op.SiteID], lamport)
	return dl, nil
}

// 上下文里所有操作 Lamport 的最大值；同一 site 单调递增，只看每个 site 最后一个即可
func (d *Document) clock(ctx ot.VersionVector) uint64 {
	var m uint64
	for site, seq := range ctx {
		if seq == 0 {
			continue
		}
		m = max(m, d.lamportOf(ot.OpID{SiteID: site, Seq: seq}))
	}
	return m
}

func (d *Document) integrateInsert(op ot.Operation, lamport uint64) (delta.Delta, error) {
	// 1. 在操作的上下文中找到第 position 个可见字符，新内容紧跟其后
	idx := 0
	if op.Position > 0 {
		seen := 0
		idx = -1
		for i := range d.cells {
			if d.cells[i].visibleIn(op.Context) {
				seen++
				if seen == op.Position {
					idx = i + 1
					break
				}
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, seen)
		}
	}
	// 2. 跳过同一插入点上排在前面的并发插入（以及它们的后代）
	for idx < len(d.cells) && d.cells[idx].precedes(lamport, op.SiteID) {
		idx++
	}

	runes := []rune(op.Text)
	if len(runes) == 0 {
		return delta.Delta{}, nil
	}
	fresh := make([]cell, len(runes))
	for i, r := range runes {
		fresh[i] = cell{op: op.ID(), off: i, ch: r, lamport: lamport}
	}
	d.cells = slices.Insert(d.cells, idx, fresh...)

	vis := 0
	for i := 0; i < idx; i++ {
		if d.cells[i].visible() {
			vis++
		}
	}
	return delta.Delta{}.Retain(vis).Insert(op.Text), nil
}

func (d *Document) integrateDelete(op ot.Operation) (delta.Delta, error) {
	total := 0
	for i := range d.cells {
		if d.cells[i].visibleIn(op.Context) {
			total++
		}
	}
	if op.Position+op.Length > total {
		return nil, fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, op.Position, op.Position+op.Length, total)
	}
	if op.Length == 0 {
		return delta.Delta{}, nil
	}

	end := op.Position + op.Length
	var dl delta.Delta
	seen := 0
	for i := range d.cells {
		if seen >= end {
			break
		}
		c := &d.cells[i]
		target := false
		if c.visibleIn(op.Context) {
			target = seen >= op.Position
			seen++
		}
		switch {
		case target && c.visible():
			dl = dl.Delete(1)
		case target:
			// 已经被并发删除过，不重复删
		case c.visible():
			dl = dl.Retain(1)
		}
		if target {
			c.deleted = append(c.deleted, op.ID())
		}
	}
	return dl.Chop(), nil
}

// 仅依据单元序列重建文本，测试里用来核对物化视图
func (d *Document) cellText() string {
	var b strings.Builder
	for i := range d.cells {
		if d.cells[i].visible() {
			b.WriteRune(d.cells[i].ch)
		}
	}
	return b.String()
}
