package store

import "time"

// File 项目里的一个源文件；协作会话以 (ProjectID, ID) 为键
type File struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	ProjectID string    `gorm:"index;type:varchar(64);not null" json:"projectId"`
	Content   string    `gorm:"type:longtext" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// ProjectUser 项目成员，没有记录 = 不是成员
type ProjectUser struct {
	ProjectID string `gorm:"primaryKey;type:varchar(64)"`
	UserID    string `gorm:"primaryKey;type:varchar(64)"`
	Role      Role   `gorm:"type:varchar(16);not null;default:viewer"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
