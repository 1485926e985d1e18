package authentication

import (
	"errors"

	"github.com/junbin-yang/devicemanager-go/pkg/auth_message"
)

// 认证失败原因码，同时用于线上消息的REPLY字段和监听器回调
const (
	ReasonOK                   int32 = 0
	ReasonNotSupported         int32 = -20001
	ReasonBusy                 int32 = -20002
	ReasonInputInvalid         int32 = -20003
	ReasonMalformedMessage     int32 = -20004
	ReasonPeerRejected         int32 = -20005
	ReasonTimeout              int32 = -20006
	ReasonTransportFailed      int32 = -20007
	ReasonGroupOperationFailed int32 = -20008
	ReasonInternal             int32 = -20009
	ReasonUserCanceled         int32 = -20010
	ReasonAuthInputFailed      int32 = -20011
)

var (
	ErrNotSupported         = errors.New("auth type not supported")
	ErrBusy                 = errors.New("authentication business busy")
	ErrInputInvalid         = errors.New("invalid input")
	ErrMalformedMessage     = auth_message.ErrMalformedMessage
	ErrPeerRejected         = errors.New("rejected by peer")
	ErrTimeout              = errors.New("authentication timeout")
	ErrTransportFailed      = errors.New("transport session failed")
	ErrGroupOperationFailed = errors.New("trust group operation failed")
	ErrInternal             = errors.New("internal error")
	ErrUserCanceled         = errors.New("canceled by user")
	// ErrAuthInputFailed 输入错误但仍可重试，不结束会话
	ErrAuthInputFailed = errors.New("auth input failed, retry")
)

var reasonTable = []struct {
	code int32
	err  error
}{
	{ReasonNotSupported, ErrNotSupported},
	{ReasonBusy, ErrBusy},
	{ReasonInputInvalid, ErrInputInvalid},
	{ReasonMalformedMessage, ErrMalformedMessage},
	{ReasonPeerRejected, ErrPeerRejected},
	{ReasonTimeout, ErrTimeout},
	{ReasonTransportFailed, ErrTransportFailed},
	{ReasonGroupOperationFailed, ErrGroupOperationFailed},
	{ReasonInternal, ErrInternal},
	{ReasonUserCanceled, ErrUserCanceled},
	{ReasonAuthInputFailed, ErrAuthInputFailed},
}

// ReasonCode 错误到原因码，nil为ReasonOK，未归类的错误视为ReasonInternal
func ReasonCode(err error) int32 {
	if err == nil {
		return ReasonOK
	}
	for _, r := range reasonTable {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ReasonInternal
}

// ReasonError 原因码到错误，ReasonOK返回nil。未知的非零码视为对端拒绝
func ReasonError(code int32) error {
	if code == ReasonOK {
		return nil
	}
	for _, r := range reasonTable {
		if r.code == code {
			return r.err
		}
	}
	return ErrPeerRejected
}
