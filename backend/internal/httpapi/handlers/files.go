package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/store"
)

// Sessions 协调者一侧用到的操作
type Sessions interface {
	Peek(ctx context.Context, projectID, fileID string) (session.Info, error)
	ResetFile(ctx context.Context, projectID, fileID, content string) (*store.File, error)
	DeleteFile(ctx context.Context, projectID, fileID string) error
}

// History 历史快照（mysql collab_snapshots）
type History interface {
	Latest(ctx context.Context, sessionKey string) (*store.SnapshotHistory, error)
}

type FileHandler struct {
	files    store.FileStore
	roles    store.RoleStore
	sessions Sessions
	history  History
}

// NewFileHandler history 可以为 nil
func NewFileHandler(files store.FileStore, roles store.RoleStore, sessions Sessions, history History) *FileHandler {
	return &FileHandler{files: files, roles: roles, sessions: sessions, history: history}
}

// Register 挂在 /collab 分组下（分组已经过鉴权中间件）
func (h *FileHandler) Register(g *gin.RouterGroup) {
	p := g.Group("/projects/:projectId")
	p.GET("/files", h.ListFiles)
	p.POST("/files", h.CreateFile)
	p.GET("/files/:fileId", h.GetFile)
	p.PUT("/files/:fileId/content", h.ResetContent)
	p.DELETE("/files/:fileId", h.DeleteFile)
	p.GET("/files/:fileId/session", h.GetSession)
	p.GET("/files/:fileId/history/latest", h.LatestSnapshot)
	p.PUT("/members/:userId", h.SetMember)
}

type createFileReq struct {
	Name    string `json:"name" binding:"required"`
	Content string `json:"content"`
}

type contentReq struct {
	Content *string `json:"content" binding:"required"`
}

type memberReq struct {
	Role store.Role `json:"role" binding:"required"`
}

func (h *FileHandler) role(c *gin.Context) (store.Role, bool) { return memberRole(c, h.roles) }

// memberRole 调用者在项目里的角色；不是成员时已经写好 403
func memberRole(c *gin.Context, roles store.RoleStore) (store.Role, bool) {
	userID := c.GetUint64("userId")
	role, err := roles.Role(c.Request.Context(), c.Param("projectId"), strconv.FormatUint(userID, 10))
	if err != nil {
		log.Printf("get role error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORAGE_FAILURE", "message": err.Error()})
		return "", false
	}
	if role == "" {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "not a member of this project"})
		return "", false
	}
	return role, true
}

func (h *FileHandler) editor(c *gin.Context) bool {
	role, ok := h.role(c)
	if !ok {
		return false
	}
	if !role.CanEdit() {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "read-only member"})
		return false
	}
	return true
}

func (h *FileHandler) ListFiles(c *gin.Context) {
	if _, ok := h.role(c); !ok {
		return
	}
	files, err := h.files.ListFiles(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// CreateFile 往空项目里建第一个文件的人成为 owner
func (h *FileHandler) CreateFile(c *gin.Context) {
	var req createFileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()
	projectID := c.Param("projectId")
	userID := strconv.FormatUint(c.GetUint64("userId"), 10)

	role, err := h.roles.Role(ctx, projectID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if role == "" {
		existing, err := h.files.ListFiles(ctx, projectID)
		if err != nil {
			writeError(c, err)
			return
		}
		if len(existing) > 0 {
			c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "not a member of this project"})
			return
		}
		if err := h.roles.SetRole(ctx, projectID, userID, store.RoleOwner); err != nil {
			writeError(c, err)
			return
		}
		role = store.RoleOwner
	}
	if !role.CanEdit() {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "read-only member"})
		return
	}

	f, err := h.files.CreateFile(ctx, projectID, req.Name, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// GetFile 有会话时内容取会话里的最新文本
func (h *FileHandler) GetFile(c *gin.Context) {
	if _, ok := h.role(c); !ok {
		return
	}
	projectID, fileID := c.Param("projectId"), c.Param("fileId")
	f, err := h.files.ReadFile(c.Request.Context(), projectID, fileID)
	if err != nil {
		writeError(c, err)
		return
	}
	if info, err := h.sessions.Peek(c.Request.Context(), projectID, fileID); err == nil && info.Live {
		f.Content = info.Text
	}
	c.JSON(http.StatusOK, f)
}

func (h *FileHandler) GetSession(c *gin.Context) {
	if _, ok := h.role(c); !ok {
		return
	}
	info, err := h.sessions.Peek(c.Request.Context(), c.Param("projectId"), c.Param("fileId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *FileHandler) LatestSnapshot(c *gin.Context) {
	if _, ok := h.role(c); !ok {
		return
	}
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "snapshot history disabled"})
		return
	}
	snap, err := h.history.Latest(c.Request.Context(), session.Key(c.Param("projectId"), c.Param("fileId")))
	if err != nil {
		writeError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "no snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ResetContent 整体覆盖文件内容，开始新的 epoch；有人在编辑时 409
func (h *FileHandler) ResetContent(c *gin.Context) {
	if !h.editor(c) {
		return
	}
	var req contentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	f, err := h.sessions.ResetFile(c.Request.Context(), c.Param("projectId"), c.Param("fileId"), *req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *FileHandler) DeleteFile(c *gin.Context) {
	role, ok := h.role(c)
	if !ok {
		return
	}
	if role != store.RoleOwner {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "only the owner can delete files"})
		return
	}
	// 协调者保证删除和会话打开互斥，并清掉会话日志
	if err := h.sessions.DeleteFile(c.Request.Context(), c.Param("projectId"), c.Param("fileId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *FileHandler) SetMember(c *gin.Context) {
	role, ok := h.role(c)
	if !ok {
		return
	}
	if role != store.RoleOwner {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "only the owner can change members"})
		return
	}
	var req memberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if !slices.Contains([]store.Role{store.RoleOwner, store.RoleEditor, store.RoleViewer}, req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "unknown role " + string(req.Role)})
		return
	}
	if err := h.roles.SetRole(c.Request.Context(), c.Param("projectId"), c.Param("userId"), req.Role); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": c.Param("userId"), "role": req.Role})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "FILE_NOT_FOUND", "message": err.Error()})
	case errors.Is(err, session.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"code": "SESSION_ACTIVE", "message": err.Error()})
	default:
		log.Printf("request %s %s error: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORAGE_FAILURE", "message": err.Error()})
	}
}
