package store

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
)

var ErrEpochChanged = errors.New("journal epoch changed")

// JournalState 一个会话持久化下来的全部内容
type JournalState struct {
	Epoch string
	// 基础快照的版本：Ops 里只有它之后的操作
	Floor      ot.VersionVector
	Checkpoint collab.Snapshot
	Ops        []ot.Operation
	// siteId -> userId，本 epoch 内分配过的 site
	Sites map[string]uint64
}

// Journal 会话操作的只追加日志。Begin 开启一段新历史（新 epoch），
// Append、BindSite、Checkpoint 只接受当前 epoch 的写入。
type Journal interface {
	Load(key string) (*JournalState, error) // 没有记录返回 nil, nil
	Begin(key string, base collab.Snapshot) error
	Append(key, epoch string, ops []ot.Operation) error
	BindSite(key, epoch, siteID string, userID uint64) error
	Checkpoint(key string, snap collab.Snapshot) error
	Drop(key string) error
}

// MemoryJournal 进程内实现，重启即丢失
type MemoryJournal struct {
	mu       sync.Mutex
	sessions map[string]*JournalState
	failWith error
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{sessions: make(map[string]*JournalState)}
}

func (j *MemoryJournal) Load(key string) (*JournalState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *st
	cp.Floor = st.Floor.Copy()
	cp.Ops = append([]ot.Operation(nil), st.Ops...)
	cp.Sites = maps.Clone(st.Sites)
	return &cp, nil
}

// FailAppends 之后的 Append 都返回 err；传 nil 恢复
func (j *MemoryJournal) FailAppends(err error) {
	j.mu.Lock()
	j.failWith = err
	j.mu.Unlock()
}

func (j *MemoryJournal) Begin(key string, base collab.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions[key] = &JournalState{
		Epoch:      base.Epoch,
		Floor:      base.Version.Copy(),
		Checkpoint: base,
		Sites:      make(map[string]uint64),
	}
	return nil
}

func (j *MemoryJournal) Append(key, epoch string, ops []ot.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWith != nil {
		return j.failWith
	}
	st, ok := j.sessions[key]
	if !ok || st.Epoch != epoch {
		return fmt.Errorf("%w: %s", ErrEpochChanged, key)
	}
	st.Ops = append(st.Ops, ops...)
	return nil
}

func (j *MemoryJournal) BindSite(key, epoch, siteID string, userID uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWith != nil {
		return j.failWith
	}
	st, ok := j.sessions[key]
	if !ok || st.Epoch != epoch {
		return fmt.Errorf("%w: %s", ErrEpochChanged, key)
	}
	st.Sites[siteID] = userID
	return nil
}

func (j *MemoryJournal) Drop(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.sessions, key)
	return nil
}

func (j *MemoryJournal) Checkpoint(key string, snap collab.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.sessions[key]
	if !ok || st.Epoch != snap.Epoch {
		return fmt.Errorf("%w: %s", ErrEpochChanged, key)
	}
	st.Checkpoint = snap
	return nil
}
