package authentication

import (
	"time"

	"github.com/junbin-yang/devicemanager-go/pkg/bus_center"
	"github.com/junbin-yang/devicemanager-go/pkg/device_auth"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
)

// ============================================================================
// 常量定义
// ============================================================================

// AuthTypePin PIN码认证
const AuthTypePin int32 = 1

// AuthStateType 认证状态机的状态类型
type AuthStateType int32

const (
	AuthStateNone AuthStateType = 0

	// 发起方
	AuthStateRequestInit          AuthStateType = 1
	AuthStateRequestNegotiate     AuthStateType = 2
	AuthStateRequestNegotiateDone AuthStateType = 3
	AuthStateRequestReply         AuthStateType = 4
	AuthStateRequestInput         AuthStateType = 5
	AuthStateRequestJoin          AuthStateType = 6
	AuthStateRequestNetwork       AuthStateType = 7
	AuthStateRequestFinish        AuthStateType = 8

	// 接收方
	AuthStateResponseInit      AuthStateType = 20
	AuthStateResponseNegotiate AuthStateType = 21
	AuthStateResponseConfirm   AuthStateType = 22
	AuthStateResponseGroup     AuthStateType = 23
	AuthStateResponseShow      AuthStateType = 24
	AuthStateResponseFinish    AuthStateType = 25
)

var stateNames = map[AuthStateType]string{
	AuthStateNone:                 "None",
	AuthStateRequestInit:          "RequestInit",
	AuthStateRequestNegotiate:     "RequestNegotiate",
	AuthStateRequestNegotiateDone: "RequestNegotiateDone",
	AuthStateRequestReply:         "RequestReply",
	AuthStateRequestInput:         "RequestInput",
	AuthStateRequestJoin:          "RequestJoin",
	AuthStateRequestNetwork:       "RequestNetwork",
	AuthStateRequestFinish:        "RequestFinish",
	AuthStateResponseInit:         "ResponseInit",
	AuthStateResponseNegotiate:    "ResponseNegotiate",
	AuthStateResponseConfirm:      "ResponseConfirm",
	AuthStateResponseGroup:        "ResponseGroup",
	AuthStateResponseShow:         "ResponseShow",
	AuthStateResponseFinish:       "ResponseFinish",
}

func (t AuthStateType) String() string {
	if name, ok := stateNames[t]; ok {
		return name
	}
	return "Unknown"
}

// 用户操作
const (
	UserOperationAllow            int32 = 0
	UserOperationCancel           int32 = 1
	UserOperationConfirmTimeout   int32 = 2
	UserOperationCancelPinDisplay int32 = 3
	UserOperationCancelPinInput   int32 = 4
)

// 各阶段定时器名
const (
	PhaseAuthenticate  = "authenticate"
	PhaseNegotiate     = "negotiate"
	PhaseConfirm       = "confirm"
	PhaseInput         = "input"
	PhaseAddMember     = "add"
	PhaseWaitNegotiate = "waitNegotiate"
	PhaseWaitRequest   = "waitRequest"
)

// Timeouts 各阶段超时，零值字段使用DefaultTimeouts中的值
type Timeouts struct {
	Authenticate  time.Duration // 整个会话
	Negotiate     time.Duration // 发起方等待NegotiateResponse
	Confirm       time.Duration // 响应方等待用户授权
	Input         time.Duration // 发起方等待PIN输入
	AddMember     time.Duration // 发起方等待加组结果
	WaitNegotiate time.Duration // 响应方等待Negotiate
	WaitRequest   time.Duration // 响应方等待RequestAuth
}

// DefaultTimeouts 返回默认超时配置
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Authenticate:  120 * time.Second,
		Negotiate:     10 * time.Second,
		Confirm:       60 * time.Second,
		Input:         60 * time.Second,
		AddMember:     10 * time.Second,
		WaitNegotiate: 10 * time.Second,
		WaitRequest:   10 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Authenticate, d.Authenticate)
	fill(&t.Negotiate, d.Negotiate)
	fill(&t.Confirm, d.Confirm)
	fill(&t.Input, d.Input)
	fill(&t.AddMember, d.AddMember)
	fill(&t.WaitNegotiate, d.WaitNegotiate)
	fill(&t.WaitRequest, d.WaitRequest)
	return t
}

// ============================================================================
// 协作方接口
// ============================================================================

// SoftbusAdapter 认证会话传输，*softbus.SoftbusConnector 满足该接口
type SoftbusAdapter interface {
	RegisterSessionCallback(listener softbus.ISessionListener) error
	UnRegisterSessionCallback() error
	OpenAuthSession(deviceId string) (int, error)
	CloseAuthSession(sessionId int)
	SendData(sessionId int, data []byte) error
	IsDeviceOnline(deviceId string) bool
	GetConnectAddr(deviceId string) (string, error)
	GetLocalDeviceId() string
}

// GroupConnector 可信组操作，*device_auth.HiChainConnector 满足该接口
type GroupConnector interface {
	RegisterHiChainCallback(cb device_auth.HiChainConnectorCallback)
	UnRegisterHiChainCallback()
	CreateGroup(requestId int64, groupName string) error
	AddMember(deviceId string, connectInfo string) error
	GetRelatedGroups(deviceId string) ([]device_auth.GroupInfo, error)
	IsDevicesInGroup(hostDeviceId, peerDeviceId string) bool
	DeleteGroup(groupId string) error
	SyncGroups(peerDeviceId string, remoteGroupIds []string) error
}

// NetworkJoiner 逻辑组网，*bus_center.BusCenter 满足该接口
type NetworkJoiner interface {
	JoinLNN(node *bus_center.NodeInfo, callback bus_center.JoinLNNCallback) error
	ResolveDeviceID(id string) string
}

// DeviceManagerListener 认证结果通知。每个会话恰好一次OnAuthResult
type DeviceManagerListener interface {
	OnAuthResult(pkgName, deviceId, token string, state AuthStateType, reason int32)
	// OnVerifyAuthResult flag为本次使用的认证方式
	OnVerifyAuthResult(pkgName, deviceId string, result int32, flag int32)
}

// AuthUi 授权确认框与PIN码界面。调用在独立的通知goroutine中执行，可以直接回调AuthManager
type AuthUi interface {
	ShowConfirmDialog(params string)
	ShowPin(code int32)
	InputPin(token string)
	ClosePage(pageId int32)
}

// StateObserver 每进入一个状态时同步调用，不得阻塞或回调AuthManager
type StateObserver interface {
	OnStateEnter(state AuthStateType)
}

// AuthManagerOption AuthManager构造参数，Softbus与HiChain必填
type AuthManagerOption struct {
	Softbus         SoftbusAdapter        // 认证会话传输（必填）
	HiChain         GroupConnector        // 可信组连接器（必填）
	Network         NetworkJoiner         // 认证成功后组网，为nil时跳过
	Listener        DeviceManagerListener // 认证结果监听器
	UI              AuthUi                // 授权框与PIN界面
	Observer        StateObserver         // 状态进入观察者（可选）
	LocalDeviceName string                // 本机设备名，随RequestAuth发送
	LocalDeviceType int32                 // 本机设备类型
	Timeouts        Timeouts              // 各阶段超时
	SliceSize       int                   // 缩略图分片大小，<=0时使用默认值
	MaxPinRetries   int                   // PIN可重试次数，<=0时使用DefaultMaxPinRetries
}
