package store

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoleStore 查询用户在项目里的角色；不是成员返回 ("", nil)
type RoleStore interface {
	Role(ctx context.Context, projectID, userID string) (Role, error)
	SetRole(ctx context.Context, projectID, userID string, role Role) error
}

type gormRoleStore struct {
	db *gorm.DB
}

func NewGormRoleStore(db *gorm.DB) RoleStore {
	return &gormRoleStore{db: db}
}

func (s *gormRoleStore) Role(ctx context.Context, projectID, userID string) (Role, error) {
	var pu ProjectUser
	err := s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, userID).First(&pu).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return pu.Role, nil
}

func (s *gormRoleStore) SetRole(ctx context.Context, projectID, userID string, role Role) error {
	pu := ProjectUser{ProjectID: projectID, UserID: userID, Role: role}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&pu).Error
}

type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[[2]string]Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[[2]string]Role)}
}

func (s *MemoryRoleStore) Role(ctx context.Context, projectID, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[[2]string{projectID, userID}], nil
}

func (s *MemoryRoleStore) SetRole(ctx context.Context, projectID, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[[2]string{projectID, userID}] = role
	return nil
}
