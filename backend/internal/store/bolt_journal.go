package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
)

// bbolt 布局：
//
//	sessions/
//	  <projectId/fileId>/
//	    epoch       -> string
//	    floor       -> json VersionVector
//	    checkpoint  -> json Snapshot
//	    ops/        -> <uint64 大端序号> = json Operation
//	    sites/      -> <siteId> = uint64 大端 userId
var (
	bucketSessions = []byte("sessions")
	bucketOps      = []byte("ops")
	bucketSites    = []byte("sites")
	keyEpoch       = []byte("epoch")
	keyFloor       = []byte("floor")
	keyCheckpoint  = []byte("checkpoint")
)

type BoltJournal struct {
	db *bolt.DB
}

func OpenBoltJournal(path string) (*BoltJournal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltJournal{db: db}, nil
}

func (j *BoltJournal) Close() error { return j.db.Close() }

func (j *BoltJournal) Load(key string) (*JournalState, error) {
	var st *JournalState
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		st = &JournalState{Epoch: string(b.Get(keyEpoch)), Sites: make(map[string]uint64)}
		if err := json.Unmarshal(b.Get(keyFloor), &st.Floor); err != nil {
			return fmt.Errorf("decode floor: %w", err)
		}
		if err := json.Unmarshal(b.Get(keyCheckpoint), &st.Checkpoint); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
		if sites := b.Bucket(bucketSites); sites != nil {
			err := sites.ForEach(func(k, v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("decode site %s: bad length %d", k, len(v))
				}
				st.Sites[string(k)] = binary.BigEndian.Uint64(v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return b.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			op, err := ot.Decode(v)
			if err != nil {
				return fmt.Errorf("decode op %d: %w", binary.BigEndian.Uint64(k), err)
			}
			st.Ops = append(st.Ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Begin 丢弃这个 key 之前的全部历史
func (j *BoltJournal) Begin(key string, base collab.Snapshot) error {
	floor, err := json.Marshal(base.Version)
	if err != nil {
		return err
	}
	checkpoint, err := json.Marshal(base)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSessions)
		if root.Bucket([]byte(key)) != nil {
			if err := root.DeleteBucket([]byte(key)); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket([]byte(key))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucket(bucketOps); err != nil {
			return err
		}
		if _, err := b.CreateBucket(bucketSites); err != nil {
			return err
		}
		if err := b.Put(keyEpoch, []byte(base.Epoch)); err != nil {
			return err
		}
		if err := b.Put(keyFloor, floor); err != nil {
			return err
		}
		return b.Put(keyCheckpoint, checkpoint)
	})
}

// Append 一次事务写入一批操作，返回 nil 即已落盘
func (j *BoltJournal) Append(key, epoch string, ops []ot.Operation) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := sessionBucket(tx, key, epoch)
		if err != nil {
			return err
		}
		opsb := b.Bucket(bucketOps)
		for _, op := range ops {
			v, err := ot.Encode(op)
			if err != nil {
				return err
			}
			seq, err := opsb.NextSequence()
			if err != nil {
				return err
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], seq)
			if err := opsb.Put(k[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

// BindSite 记录 site 属于哪个用户；会话重新打开后仍然只有这个用户能用它
func (j *BoltJournal) BindSite(key, epoch, siteID string, userID uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := sessionBucket(tx, key, epoch)
		if err != nil {
			return err
		}
		sites, err := b.CreateBucketIfNotExists(bucketSites)
		if err != nil {
			return err
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], userID)
		return sites.Put([]byte(siteID), v[:])
	})
}

// Drop 删除文件时清掉它的全部历史
func (j *BoltJournal) Drop(key string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketSessions).DeleteBucket([]byte(key))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// TODO: 删掉 checkpoint 已覆盖且没有参与者再需要的操作，同时前移 floor
func (j *BoltJournal) Checkpoint(key string, snap collab.Snapshot) error {
	v, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := sessionBucket(tx, key, snap.Epoch)
		if err != nil {
			return err
		}
		return b.Put(keyCheckpoint, v)
	})
}

func sessionBucket(tx *bolt.Tx, key, epoch string) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketSessions).Bucket([]byte(key))
	if b == nil || string(b.Get(keyEpoch)) != epoch {
		return nil, fmt.Errorf("%w: %s", ErrEpochChanged, key)
	}
	return b, nil
}
