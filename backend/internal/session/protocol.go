package session

import (
	"encoding/json"
	"strings"

	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/ot"
)

type MessageType string

const (
	// 参与者 -> 协调者（collab:up）
	MsgJoin   MessageType = "join"
	MsgOp     MessageType = "op"
	MsgSync   MessageType = "sync"
	MsgCursor MessageType = "cursor"
	MsgLeave  MessageType = "leave"

	// 协调者 -> 参与者（collab:down:{session}）
	MsgWelcome  MessageType = "welcome"
	MsgAck      MessageType = "ack"
	MsgCatchup  MessageType = "catchup"
	MsgResync   MessageType = "resync"
	MsgPresence MessageType = "presence"
	MsgError    MessageType = "error"
)

// 错误码，放在 MsgError 的 Code 里
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeNotJoined        = "NOT_JOINED"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeStorageFailure   = "STORAGE_FAILURE"
	CodeBadRequest       = "BAD_REQUEST"
)

// Message 所有消息共用一个信封。
// 上行消息用 ClientID 标识发送者；下行消息 To 为空表示发给整个会话，
// MsgOp / MsgCursor 下行时 ClientID 是操作的来源。
// UserID 由 websocket 接入层按连接的鉴权结果填写，客户端填的会被覆盖。
type Message struct {
	Type     MessageType `json:"type"`
	Session  string      `json:"session"`
	ClientID string      `json:"clientId,omitempty"`
	To       string      `json:"to,omitempty"`
	UserID   uint64      `json:"userId,omitempty"`

	Token   string           `json:"token,omitempty"`
	SiteID  string           `json:"siteId,omitempty"`
	Epoch   string           `json:"epoch,omitempty"`
	Version ot.VersionVector `json:"version,omitempty"`
	CanEdit bool             `json:"canEdit,omitempty"`

	Op       *ot.Operation    `json:"op,omitempty"`
	Ops      []ot.Operation   `json:"ops,omitempty"`
	Snapshot *collab.Snapshot `json:"snapshot,omitempty"`

	Cursor  *cache.Cursor  `json:"cursor,omitempty"`
	Members []cache.Member `json:"members,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func Decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

// Key 会话键 projectId/fileId
func Key(projectID, fileID string) string { return projectID + "/" + fileID }

func SplitKey(key string) (projectID, fileID string, ok bool) {
	projectID, fileID, ok = strings.Cut(key, "/")
	if !ok || projectID == "" || fileID == "" || strings.Contains(fileID, "/") {
		return "", "", false
	}
	return projectID, fileID, true
}
