package collab

import (
	"time"

	"codeCollab/backend/internal/ot"
)

const EventOpLogged = "OP_LOGGED"

// OpLoggedEvent 每个写入日志（并已持久化）的操作都会发一条
type OpLoggedEvent struct {
	EventType string           `json:"eventType"` // 固定 "OP_LOGGED"
	Session   string           `json:"session"`   // projectId/fileId，也是 kafka key
	Epoch     string           `json:"epoch"`
	OpID      string           `json:"opId"`
	SiteID    string           `json:"siteId"`
	Seq       uint64           `json:"seq"`
	UserID    string           `json:"userId,omitempty"`
	Position  LogPosition      `json:"position"`
	Kind      ot.Kind          `json:"kind"`
	At        int              `json:"at"`
	Text      string           `json:"text,omitempty"`
	Length    int              `json:"length,omitempty"`
	Context   ot.VersionVector `json:"context"`
	LoggedAt  time.Time        `json:"loggedAt"`
}

func NewOpLoggedEvent(session, epoch, userID string, a Applied) OpLoggedEvent {
	return OpLoggedEvent{
		EventType: EventOpLogged,
		Session:   session,
		Epoch:     epoch,
		OpID:      a.Op.ID().String(),
		SiteID:    a.Op.SiteID,
		Seq:       a.Op.Seq,
		UserID:    userID,
		Position:  a.Position,
		Kind:      a.Op.Kind,
		At:        a.Op.Position,
		Text:      a.Op.Text,
		Length:    a.Op.Length,
		Context:   a.Op.Context.Copy(),
		LoggedAt:  time.Now().UTC(),
	}
}
