package softbus

import "errors"

var (
	// 会话相关错误
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotOpened   = errors.New("session is not opened")
	ErrInvalidSessionName = errors.New("invalid session name")

	// 服务器相关错误
	ErrServerNotFound    = errors.New("session server not found")
	ErrServerExists      = errors.New("session server already exists")
	ErrMaxServersReached = errors.New("maximum number of session servers reached")

	// 传输相关错误
	ErrInvalidPacketHeader = errors.New("invalid packet header")
	ErrPeerNotFound        = errors.New("peer device not found")
	ErrDialFailed          = errors.New("dial peer failed")
	ErrHandshakeRejected   = errors.New("handshake rejected by peer")

	// 参数错误
	ErrNilListener  = errors.New("listener cannot be nil")
	ErrDataTooLarge = errors.New("data too large")

	// 状态错误
	ErrManagerNotStarted     = errors.New("session manager not started")
	ErrManagerAlreadyStarted = errors.New("session manager already started")
)
