package cache

import "fmt"

// 键语义（session = projectId/fileId）：
// - roomKey:    会话在线参与者 ZSet<clientId, expireAtUnix>
// - membersKey: clientId -> 参与者信息 JSON（Hash）
// - cursorsKey: clientId -> 光标 JSON（Hash）
// - sessionsKey: 有人在线的会话索引 Set<session>
// - ownerKey:   当前负责会话的节点（带过期时间的租约）
// - lastOwnerKey: 最近一次拿到租约的节点，不过期

const (
	keyRoomFmt    = "collab:room:{%s}"
	keyMembersFmt = "collab:room:members:{%s}"
	keyCursorsFmt = "collab:room:cursors:{%s}"
	keySessions   = "collab:sessions"
	keyOwnerFmt   = "collab:owner:{%s}"
	keyLastFmt    = "collab:owner:last:{%s}"
)

func roomKey(session string) string    { return fmt.Sprintf(keyRoomFmt, session) }
func membersKey(session string) string { return fmt.Sprintf(keyMembersFmt, session) }
func cursorsKey(session string) string { return fmt.Sprintf(keyCursorsFmt, session) }
func sessionsKey() string              { return keySessions }

func ownerKey(session string) string     { return fmt.Sprintf(keyOwnerFmt, session) }
func lastOwnerKey(session string) string { return fmt.Sprintf(keyLastFmt, session) }
