package collab

import (
	"errors"

	"codeCollab/backend/internal/ot"
)

var (
	// 依赖的操作还没到：先缓冲，不是致命错误
	ErrCausalityViolation = errors.New("CAUSALITY_VIOLATION")
	// 位置越界：操作被拒绝，对端需要从快照重新同步
	ErrOutOfRange = errors.New("OUT_OF_RANGE")
	// 连接断开：进入 Disconnected 并退避重连
	ErrTransportFailure = errors.New("TRANSPORT_FAILURE")
	// 持久化失败：继续在内存里编辑，稍后重试
	ErrStorageFailure = errors.New("STORAGE_FAILURE")

	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")
	ErrInvalidOperation   = ot.ErrInvalid
	ErrEpochMismatch      = errors.New("EPOCH_MISMATCH")
)
