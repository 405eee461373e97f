package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var ErrFileNotFound = errors.New("file not found")

// FileStore 文件的持久化。会话只用 ReadFile 取初始内容，
// 用 UpdateFileContent 定期回写，其余给 HTTP 接口用。
type FileStore interface {
	CreateFile(ctx context.Context, projectID, name, content string) (*File, error)
	ReadFile(ctx context.Context, projectID, fileID string) (*File, error)
	ListFiles(ctx context.Context, projectID string) ([]File, error)
	UpdateFileContent(ctx context.Context, projectID, fileID, content string) (*File, error)
	DeleteFile(ctx context.Context, projectID, fileID string) error
}

// NewFileID file_<unix毫秒>_<7位随机>
func NewFileID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	for i := 0; i < 7; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return "file_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + b.String()
}

type gormFileStore struct {
	db *gorm.DB
}

func NewGormFileStore(db *gorm.DB) FileStore {
	return &gormFileStore{db: db}
}

func (s *gormFileStore) CreateFile(ctx context.Context, projectID, name, content string) (*File, error) {
	f := &File{ID: NewFileID(time.Now()), Name: name, ProjectID: projectID, Content: content}
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

func (s *gormFileStore) ReadFile(ctx context.Context, projectID, fileID string) (*File, error) {
	var f File
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", fileID, projectID).First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, projectID, fileID)
		}
		return nil, err
	}
	return &f, nil
}

func (s *gormFileStore) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	var files []File
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (s *gormFileStore) UpdateFileContent(ctx context.Context, projectID, fileID, content string) (*File, error) {
	res := s.db.WithContext(ctx).Model(&File{}).
		Where("id = ? AND project_id = ?", fileID, projectID).
		Updates(map[string]any{"content": content, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, projectID, fileID)
	}
	return s.ReadFile(ctx, projectID, fileID)
}

func (s *gormFileStore) DeleteFile(ctx context.Context, projectID, fileID string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", fileID, projectID).Delete(&File{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrFileNotFound, projectID, fileID)
	}
	return nil
}

// MemoryFileStore 不接 mysql 时使用（本地开发、测试）
type MemoryFileStore struct {
	mu    sync.Mutex
	files map[string]File // key: projectID/fileID
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string]File)}
}

func fileKey(projectID, fileID string) string { return projectID + "/" + fileID }

// Put 直接写入一个文件（保留调用方给的 ID）
func (s *MemoryFileStore) Put(f File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	s.files[fileKey(f.ProjectID, f.ID)] = f
}

func (s *MemoryFileStore) CreateFile(ctx context.Context, projectID, name, content string) (*File, error) {
	now := time.Now().UTC()
	f := File{ID: NewFileID(now), Name: name, ProjectID: projectID, Content: content, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.files[fileKey(projectID, f.ID)] = f
	s.mu.Unlock()
	return &f, nil
}

func (s *MemoryFileStore) ReadFile(ctx context.Context, projectID, fileID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileKey(projectID, fileID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, projectID, fileID)
	}
	return &f, nil
}

func (s *MemoryFileStore) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []File
	for _, f := range s.files {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b File) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryFileStore) UpdateFileContent(ctx context.Context, projectID, fileID, content string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fileKey(projectID, fileID)
	f, ok := s.files[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, projectID, fileID)
	}
	f.Content = content
	f.UpdatedAt = time.Now().UTC()
	s.files[k] = f
	return &f, nil
}

func (s *MemoryFileStore) DeleteFile(ctx context.Context, projectID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fileKey(projectID, fileID)
	if _, ok := s.files[k]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrFileNotFound, projectID, fileID)
	}
	delete(s.files, k)
	return nil
}
