package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/store"
)

// PresenceHandler 在线状态查询；数据来自 redis，所有节点看到的一样
type PresenceHandler struct {
	roles    store.RoleStore
	presence cache.PresenceCache
}

func NewPresenceHandler(roles store.RoleStore, presence cache.PresenceCache) *PresenceHandler {
	return &PresenceHandler{roles: roles, presence: presence}
}

func (h *PresenceHandler) Register(g *gin.RouterGroup) {
	p := g.Group("/projects/:projectId")
	p.GET("/sessions", h.ListSessions)
	p.GET("/files/:fileId/presence", h.GetPresence)
}

// GetPresence 在线参与者和他们的光标
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	if _, ok := memberRole(c, h.roles); !ok {
		return
	}
	ctx := c.Request.Context()
	key := session.Key(c.Param("projectId"), c.Param("fileId"))
	members, err := h.presence.AliveMembers(ctx, key)
	if err != nil {
		writeError(c, err)
		return
	}
	cursors, err := h.presence.Cursors(ctx, key)
	if err != nil {
		writeError(c, err)
		return
	}
	if members == nil {
		members = []cache.Member{}
	}
	// 只返回还在线的人的光标
	alive := make(map[string]cache.Cursor, len(members))
	for _, m := range members {
		if cur, ok := cursors[m.ClientID]; ok {
			alive[m.ClientID] = cur
		}
	}
	c.JSON(http.StatusOK, gin.H{"session": key, "members": members, "cursors": alive})
}

// ListSessions 项目里有人在线的文件
func (h *PresenceHandler) ListSessions(c *gin.Context) {
	if _, ok := memberRole(c, h.roles); !ok {
		return
	}
	all, err := h.presence.Sessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	prefix := c.Param("projectId") + "/"
	files := []string{}
	for _, key := range all {
		if fileID, ok := strings.CutPrefix(key, prefix); ok {
			files = append(files, fileID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}
