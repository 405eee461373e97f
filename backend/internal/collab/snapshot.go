package collab

import (
	"fmt"
	"slices"

	"codeCollab/backend/internal/ot"
)

// Snapshot 用于快速恢复，不必重放整个日志。
// Text/Version 是物化结果；Runs/Lamports 保留完整的单元历史，
// 恢复出来的副本仍然能集成与快照并发的操作。
type Snapshot struct {
	Epoch    string              `json:"epoch"`
	Text     string              `json:"text"`
	Version  ot.VersionVector    `json:"version"`
	Runs     []SnapshotRun       `json:"runs,omitempty"`
	Lamports map[string][]uint64 `json:"lamports,omitempty"`
}

// SnapshotRun 同一个插入操作里连续、删除状态相同的一段单元
type SnapshotRun struct {
	SiteID  string    `json:"siteId"`
	Seq     uint64    `json:"seq"`
	Offset  int       `json:"offset"`
	Text    string    `json:"text"`
	Lamport uint64    `json:"lamport,omitempty"`
	Deleted []ot.OpID `json:"deleted,omitempty"`
}

// TextSnapshot 只有文本的快照（例如从存储读出的文件内容）
func TextSnapshot(epoch, text string) Snapshot {
	return Snapshot{Epoch: epoch, Text: text, Version: ot.VersionVector{}}
}

func (d *Document) Snapshot() Snapshot {
	s := Snapshot{
		Epoch:    d.epoch,
		Text:     d.Text(),
		Version:  d.Version(),
		Lamports: make(map[string][]uint64, len(d.lamports)),
	}
	for site, ls := range d.lamports {
		s.Lamports[site] = slices.Clone(ls)
	}
	var cur *SnapshotRun
	var runes []rune
	flush := func() {
		if cur != nil {
			cur.Text = string(runes)
			s.Runs = append(s.Runs, *cur)
		}
	}
	for i := range d.cells {
		c := &d.cells[i]
		if cur != nil && cur.SiteID == c.op.SiteID && cur.Seq == c.op.Seq &&
			cur.Offset+len(runes) == c.off && slices.Equal(cur.Deleted, c.deleted) {
			runes = append(runes, c.ch)
			continue
		}
		flush()
		cur = &SnapshotRun{
			SiteID:  c.op.SiteID,
			Seq:     c.op.Seq,
			Offset:  c.off,
			Lamport: c.lamport,
			Deleted: slices.Clone(c.deleted),
		}
		runes = append(runes[:0:0], c.ch)
	}
	flush()
	return s
}

func RestoreDocument(s Snapshot) (*Document, error) {
	if len(s.Runs) == 0 {
		if len(s.Version.Sites()) > 0 && s.Text != "" {
			return nil, fmt.Errorf("%w: snapshot at %s has no cell history", ErrInvalidOperation, s.Version)
		}
		d := NewDocument(s.Epoch, s.Text)
		if len(s.Version.Sites()) > 0 {
			// 内容为空但带着版本：所有已知操作都被删干净了，时钟仍需保留
			if err := d.restoreClocks(s); err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	d := &Document{
		epoch:    s.Epoch,
		version:  ot.VersionVector{},
		lamports: make(map[string][]uint64),
	}
	if err := d.restoreClocks(s); err != nil {
		return nil, err
	}
	var text []rune
	for _, run := range s.Runs {
		id := ot.OpID{SiteID: run.SiteID, Seq: run.Seq}
		if !d.version.Includes(id) {
			return nil, fmt.Errorf("%w: run %s outside snapshot version %s", ErrInvalidOperation, id, d.version)
		}
		for i, r := range []rune(run.Text) {
			c := cell{op: id, off: run.Offset + i, ch: r, lamport: run.Lamport, deleted: slices.Clone(run.Deleted)}
			d.cells = append(d.cells, c)
			if c.visible() {
				text = append(text, r)
			}
		}
	}
	d.buf = NewPieceTable(string(text))
	if d.buf.String() != s.Text {
		return nil, fmt.Errorf("%w: snapshot text does not match its cells", ErrInvalidOperation)
	}
	return d, nil
}

func (d *Document) restoreClocks(s Snapshot) error {
	for site, seq := range s.Version {
		if seq == 0 {
			continue
		}
		ls := s.Lamports[site]
		if uint64(len(ls)) != seq {
			return fmt.Errorf("%w: snapshot has %d clocks for %s, version says %d", ErrInvalidOperation, len(ls), site, seq)
		}
		d.lamports[site] = slices.Clone(ls)
		d.version[site] = seq
	}
	return nil
}
