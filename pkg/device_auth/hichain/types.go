package hichain

const (
	HCOk            = 0  // 操作成功
	HCError         = -1 // 通用错误
	HCInvalidParams = -2 // 无效参数错误
	HCAuthFailed    = -3 // 认证失败错误

	// 操作码
	OpCodeAuthenticate = 1
	OpCodeAddMember    = 2

	// 认证状态
	StateInit           = 0
	StateStarted        = 1
	StateAuthenticating = 2
	StateCompleted      = 3
	StateFailed         = 4

	SessionKeyLength = 16

	// 设备角色
	HCAccessory  = 0 // 组的拥有者，响应PAKE_REQUEST
	HCController = 1 // 加入方，发起PAKE_REQUEST
)

// SessionIdentity HiChain会话标识，SessionID即组操作的请求ID
type SessionIdentity struct {
	SessionID     int64
	PackageName   string
	ServiceType   string
	OperationCode int32
}

// ProtocolParams 协议参数。加入方需要填写GroupID/GroupName，拥有方只需要PinCode和SelfAuthID
type ProtocolParams struct {
	KeyLength  int32
	SelfAuthID string
	PeerAuthID string
	PinCode    string
	GroupID    string
	GroupName  string
}

type SessionKey struct {
	Key    []byte
	Length int32
}

// PeerAuthInfo EXCHANGE阶段从对端获得的身份信息
type PeerAuthInfo struct {
	AuthID    string
	PublicKey []byte
	GroupID   string
	GroupName string
}

type OnTransmitFunc func(identity *SessionIdentity, data []byte) error

type GetProtocolParamsFunc func(identity *SessionIdentity, operationCode int32) (*ProtocolParams, error)

type SetSessionKeyFunc func(identity *SessionIdentity, sessionKey *SessionKey) error

// SetServiceResultFunc 认证结束时调用一次，成功时peer非空
type SetServiceResultFunc func(identity *SessionIdentity, result int32, peer *PeerAuthInfo)

// HCCallBack HiChain回调集合。回调在ReceiveData/StartAuth的调用goroutine中同步执行，
// 回调内不能再调用同一个句柄的方法
type HCCallBack struct {
	OnTransmit        OnTransmitFunc
	GetProtocolParams GetProtocolParamsFunc
	SetSessionKey     SetSessionKeyFunc
	SetServiceResult  SetServiceResultFunc
}
