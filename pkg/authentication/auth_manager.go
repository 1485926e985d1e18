package authentication

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/junbin-yang/devicemanager-go/pkg/auth_message"
	dmctx "github.com/junbin-yang/devicemanager-go/pkg/context"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/timer"
	"gopkg.in/tomb.v2"
)

const eventQueueSize = 64

type sessionSide int

const (
	sideNone sessionSide = iota
	sideRequest
	sideResponse
)

// ============================================================================
// 核心结构定义
// ============================================================================

// AuthManager 设备认证编排器，同一时刻最多维护一个认证会话。
// 公开操作与传输、可信组、定时器的回调都投递到同一个事件goroutine中顺序执行；
// 监听器和UI回调在另一个通知goroutine中按序执行
type AuthManager struct {
	softbus         SoftbusAdapter            // 认证会话传输
	hichain         GroupConnector            // 可信组操作
	network         NetworkJoiner             // 组网，可为nil
	listener        DeviceManagerListener     // 认证结果监听器
	ui              AuthUi                    // 经通知队列转发的UI
	observer        StateObserver             // 状态进入观察者，可为nil
	localDeviceName string                    // 本机设备名
	localDeviceType int32                     // 本机设备类型
	timeouts        Timeouts                  // 各阶段超时
	sliceSize       int                       // RequestAuth分片大小
	maxPinRetries   int                       // PIN可重试次数
	self            weak.Pointer[AuthManager] // 状态对象持有的弱引用

	tomb    tomb.Tomb    // 事件与通知goroutine的生命周期
	events  chan func()  // 事件队列
	notify  *notifyQueue // 回调队列
	pinCode atomic.Int32 // 当前展示的PIN，-1表示没有

	// 以下字段只在事件goroutine中访问
	factories      map[int32]AuthenticationFactory // authType -> 认证方式
	timers         *timer.TimerMap                 // 按阶段命名的定时器
	gen            uint64                          // 会话代数，旧会话的定时器和回调据此丢弃
	side           sessionSide                     // 本端在会话中的角色
	sessionId      int                             // 认证会话ID，-1表示未打开
	requestCtx     *dmctx.RequestContext           // 发起方上下文
	responseCtx    *dmctx.ResponseContext          // 解析结果，响应方上下文
	processor      *auth_message.AuthMessageProcessor
	requestState   AuthState
	responseState  AuthState
	authMethod     IAuthentication // 本次会话的认证方式
	authInfoShown  bool            // 是否已打开PIN界面
	joinPin        int32           // 校验通过的PIN，用于加组
	createdGroupId string          // 响应方本次新建的组
	isFinishLocal  bool            // 本端主动结束，需要发送终止消息
	finishing      bool            // 正在结束，忽略新的状态迁移
	lastState      AuthStateType   // 结束时上报的状态
}

// NewAuthManager 创建认证编排器，注册传输与可信组回调并启动事件循环
// 参数:
//   - opt: 协作方与超时配置，Softbus和HiChain必填
//
// 返回:
//   - 认证编排器
//   - 错误信息
func NewAuthManager(opt AuthManagerOption) (*AuthManager, error) {
	if opt.Softbus == nil || opt.HiChain == nil {
		return nil, fmt.Errorf("%w: softbus and hichain connector are required", ErrInternal)
	}
	maxRetries := opt.MaxPinRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxPinRetries
	}
	m := &AuthManager{
		softbus:         opt.Softbus,
		hichain:         opt.HiChain,
		network:         opt.Network,
		listener:        opt.Listener,
		observer:        opt.Observer,
		localDeviceName: opt.LocalDeviceName,
		localDeviceType: opt.LocalDeviceType,
		timeouts:        opt.Timeouts.withDefaults(),
		sliceSize:       opt.SliceSize,
		maxPinRetries:   maxRetries,
		events:          make(chan func(), eventQueueSize),
		notify:          newNotifyQueue(),
		factories:       map[int32]AuthenticationFactory{AuthTypePin: NewPinAuth},
		timers:          timer.NewTimerMap(),
		sessionId:       -1,
	}
	m.ui = &queuedUi{ui: opt.UI, q: m.notify}
	m.self = weak.Make(m)
	m.pinCode.Store(-1)

	if err := m.softbus.RegisterSessionCallback(m); err != nil {
		return nil, fmt.Errorf("%w: register session callback: %v", ErrTransportFailed, err)
	}
	m.hichain.RegisterHiChainCallback(m)

	m.tomb.Go(m.loop)
	m.tomb.Go(m.notifyLoop)
	log.Info("[DM_AUTH] 认证管理器已启动")
	return m, nil
}

// Close 结束进行中的会话并停止事件循环
func (m *AuthManager) Close() error {
	_ = m.call(func() error {
		m.finishSession(ErrInternal, true)
		return nil
	})
	if err := m.softbus.UnRegisterSessionCallback(); err != nil {
		log.Warnf("[DM_AUTH] 注销会话回调失败: %v", err)
	}
	m.hichain.UnRegisterHiChainCallback()
	m.tomb.Kill(nil)
	err := m.tomb.Wait()
	m.timers.DeleteAll()
	log.Info("[DM_AUTH] 认证管理器已停止")
	return err
}

// ============================================================================
// 事件循环
// ============================================================================

func (m *AuthManager) loop() error {
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.tomb.Dying():
			return nil
		}
	}
}

// post 投递事件，管理器停止后返回false
func (m *AuthManager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.tomb.Dying():
		return false
	}
}

// call 在事件goroutine中执行fn并等待结果，不能在事件goroutine内调用
func (m *AuthManager) call(fn func() error) error {
	done := make(chan error, 1)
	if !m.post(func() { done <- fn() }) {
		return ErrInternal
	}
	select {
	case err := <-done:
		return err
	case <-m.tomb.Dying():
		return ErrInternal
	}
}

func (m *AuthManager) notifyLoop() error {
	for {
		select {
		case <-m.notify.wake:
			m.notify.drain()
		case <-m.tomb.Dying():
			m.notify.drain()
			return nil
		}
	}
}

// notifyQueue 无界的回调队列，保证监听器与UI回调的顺序
type notifyQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{wake: make(chan struct{}, 1)}
}

func (q *notifyQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *notifyQueue) drain() {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()
		if len(items) == 0 {
			return
		}
		for _, fn := range items {
			fn()
		}
	}
}

// queuedUi 把UI调用转到通知goroutine
type queuedUi struct {
	ui AuthUi
	q  *notifyQueue
}

func (u *queuedUi) ShowConfirmDialog(params string) {
	if u.ui != nil {
		u.q.push(func() { u.ui.ShowConfirmDialog(params) })
	}
}

func (u *queuedUi) ShowPin(code int32) {
	if u.ui != nil {
		u.q.push(func() { u.ui.ShowPin(code) })
	}
}

func (u *queuedUi) InputPin(token string) {
	if u.ui != nil {
		u.q.push(func() { u.ui.InputPin(token) })
	}
}

func (u *queuedUi) ClosePage(pageId int32) {
	if u.ui != nil {
		u.q.push(func() { u.ui.ClosePage(pageId) })
	}
}

// ============================================================================
// 公开操作
// ============================================================================

// RegisterAuthentication 注册认证方式，已有同类型时覆盖
func (m *AuthManager) RegisterAuthentication(authType int32, factory AuthenticationFactory) error {
	if factory == nil {
		return ErrInputInvalid
	}
	return m.call(func() error {
		m.factories[authType] = factory
		return nil
	})
}

// AuthenticateDevice 发起对deviceId的认证，结果通过DeviceManagerListener.OnAuthResult返回
// 参数:
//   - pkgName: 发起认证的应用包名
//   - authType: 认证方式，如AuthTypePin
//   - deviceId: 对端设备ID，必须在线
//   - extra: JSON格式的应用信息（targetPkgName、appName、appIcon等）
//
// 返回:
//   - 参数错误、已有会话(ErrBusy)等同步错误，会话过程中的失败只通过监听器上报
func (m *AuthManager) AuthenticateDevice(pkgName string, authType int32, deviceId string, extra string) error {
	return m.call(func() error {
		return m.authenticateDevice(pkgName, authType, deviceId, extra)
	})
}

// UnAuthenticateDevice 删除与设备共享的第一个可信组，deviceId可以是网络ID
func (m *AuthManager) UnAuthenticateDevice(pkgName string, deviceId string) error {
	return m.call(func() error {
		if pkgName == "" || deviceId == "" {
			return fmt.Errorf("%w: pkgName or deviceId empty", ErrInputInvalid)
		}
		udid := deviceId
		if m.network != nil {
			udid = m.network.ResolveDeviceID(deviceId)
		}
		groups, err := m.hichain.GetRelatedGroups(udid)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGroupOperationFailed, err)
		}
		if len(groups) == 0 {
			return fmt.Errorf("%w: device %s has no trust group", ErrInputInvalid, udid)
		}
		if err := m.hichain.DeleteGroup(groups[0].GroupId); err != nil {
			return fmt.Errorf("%w: %v", ErrGroupOperationFailed, err)
		}
		log.Infof("[DM_AUTH] 已解除与设备 %s 的可信关系，组 %s", udid, groups[0].GroupId)
		return nil
	})
}

// VerifyAuthentication 校验用户输入
// 参数:
//   - authParam: 如 {"PIN_CODE":123456,"PIN_TOKEN":"..."}，PIN_TOKEN为InputPin给出的令牌
//
// 返回:
//   - ErrAuthInputFailed 还可重试，ErrPeerRejected 重试次数用尽
func (m *AuthManager) VerifyAuthentication(authParam string) error {
	return m.call(func() error {
		return m.verifyAuthentication(authParam)
	})
}

// SetUserOperation 处理用户在授权框和PIN界面上的操作
func (m *AuthManager) SetUserOperation(action int32) error {
	return m.call(func() error {
		return m.onUserOperation(action)
	})
}

// SetPageId UI打开页面后回填页面ID，结束会话时用于关闭页面
func (m *AuthManager) SetPageId(pageId int32) {
	m.post(func() {
		if m.responseCtx != nil {
			m.responseCtx.PageId = pageId
		}
	})
}

// GetAuthState 返回当前状态，没有会话时为AuthStateNone
func (m *AuthManager) GetAuthState() AuthStateType {
	state := AuthStateNone
	_ = m.call(func() error {
		state = m.currentStateType()
		return nil
	})
	return state
}

// ============================================================================
// 协作方回调
// ============================================================================

// OnSessionOpened 实现 softbus.ISessionListener
func (m *AuthManager) OnSessionOpened(sessionId int, side softbus.SessionSide, result int32) {
	m.post(func() { m.onSessionOpened(sessionId, side, result) })
}

// OnSessionClosed 实现 softbus.ISessionListener
func (m *AuthManager) OnSessionClosed(sessionId int) {
	m.post(func() {
		if m.side == sideNone || sessionId != m.sessionId {
			return
		}
		log.Warnf("[DM_AUTH] 认证会话 %d 被对端关闭", sessionId)
		m.sessionId = -1
		m.finishSession(ErrTransportFailed, false)
	})
}

// OnBytesReceived 实现 softbus.ISessionListener
func (m *AuthManager) OnBytesReceived(sessionId int, data []byte) {
	buf := append([]byte(nil), data...)
	m.post(func() { m.onDataReceived(sessionId, buf) })
}

// OnGroupCreated 实现 device_auth.HiChainConnectorCallback
func (m *AuthManager) OnGroupCreated(requestId int64, groupInfo string) {
	m.post(func() { m.onGroupCreated(requestId, groupInfo) })
}

// OnMemberJoin 实现 device_auth.HiChainConnectorCallback
func (m *AuthManager) OnMemberJoin(requestId int64, status int32) {
	m.post(func() { m.onMemberJoin(requestId, status) })
}

// GetConnectAddr 实现 device_auth.HiChainConnectorCallback，可能在事件goroutine内被调用，不经过事件队列
func (m *AuthManager) GetConnectAddr(deviceId string) (string, error) {
	return m.softbus.GetConnectAddr(deviceId)
}

// GetPinCode 实现 device_auth.HiChainConnectorCallback，没有展示中的PIN时返回-1
func (m *AuthManager) GetPinCode() int32 {
	return m.pinCode.Load()
}

// ============================================================================
// 状态切换
// ============================================================================

func (m *AuthManager) currentStateType() AuthStateType {
	switch m.side {
	case sideRequest:
		if m.requestState != nil {
			return m.requestState.GetStateType()
		}
	case sideResponse:
		if m.responseState != nil {
			return m.responseState.GetStateType()
		}
	}
	return AuthStateNone
}

// transitionTo 先离开当前状态再进入next。进入失败时以对应原因结束会话
func (m *AuthManager) transitionTo(next AuthState) {
	cur := &m.responseState
	if m.side == sideRequest {
		cur = &m.requestState
	}
	if *cur != nil {
		(*cur).Leave()
	}
	next.setAuthManager(m.self)
	*cur = next
	state := next.GetStateType()
	log.Debugf("[DM_AUTH] 进入状态 %s", state)
	if m.observer != nil {
		m.observer.OnStateEnter(state)
	}
	if err := next.Enter(); err != nil {
		if isFinishState(state) {
			log.Errorf("[DM_AUTH] 结束会话出错: %v", err)
			return
		}
		log.Errorf("[DM_AUTH] 状态 %s 执行失败: %v", state, err)
		m.finishSession(err, true)
	}
}

// finishSession 以err为原因结束会话，重复调用无副作用。
// local为true表示由本端发起结束，需要通知对端
func (m *AuthManager) finishSession(err error, local bool) {
	if m.side == sideNone || m.finishing {
		return
	}
	reason := ReasonCode(err)
	m.isFinishLocal = local
	m.lastState = m.currentStateType()
	if m.side == sideRequest {
		m.requestCtx.Reason = reason
		m.transitionTo(&requestFinishState{})
	} else {
		m.responseCtx.Reply = reason
		m.transitionTo(&responseFinishState{})
	}
}

// startTimer 启动阶段定时器，超时事件带上当前会话代数
func (m *AuthManager) startTimer(phase string, timeout time.Duration) {
	gen := m.gen
	err := m.timers.StartTimer(phase, timeout, func(name string, _ interface{}) {
		if !timer.IsDmTimer(name) {
			return
		}
		m.post(func() { m.handleTimeout(gen, timer.PhaseName(name)) })
	})
	if err != nil {
		log.Errorf("[DM_AUTH] 启动定时器 %s 失败: %v", phase, err)
	}
}

// handleTimeout 阶段已结束或会话已更替时忽略
func (m *AuthManager) handleTimeout(gen uint64, phase string) {
	if gen != m.gen || m.side == sideNone {
		log.Debugf("[DM_AUTH] 忽略过期定时器 %s", phase)
		return
	}
	state := m.currentStateType()
	var valid bool
	switch phase {
	case PhaseAuthenticate:
		valid = !isFinishState(state)
	case PhaseNegotiate:
		valid = state == AuthStateRequestNegotiate
	case PhaseConfirm:
		valid = state == AuthStateRequestNegotiateDone || state == AuthStateResponseConfirm
	case PhaseInput:
		valid = state == AuthStateRequestInput
	case PhaseAddMember:
		valid = state == AuthStateRequestJoin
	case PhaseWaitNegotiate:
		valid = state == AuthStateResponseInit
	case PhaseWaitRequest:
		valid = state == AuthStateResponseNegotiate
	}
	if !valid {
		log.Debugf("[DM_AUTH] 定时器 %s 超时时状态已是 %s，忽略", phase, state)
		return
	}
	log.Warnf("[DM_AUTH] %s 阶段超时，当前状态 %s", phase, state)
	m.finishSession(fmt.Errorf("%w: %s", ErrTimeout, phase), true)
}

// resetSession 释放会话资源并推进会话代数
func (m *AuthManager) resetSession() {
	m.timers.DeleteAll()
	m.pinCode.Store(-1)
	m.gen++
	m.side = sideNone
	m.sessionId = -1
	m.requestCtx = nil
	m.responseCtx = nil
	m.processor = nil
	m.requestState = nil
	m.responseState = nil
	m.authMethod = nil
	m.authInfoShown = false
	m.joinPin = 0
	m.createdGroupId = ""
	m.isFinishLocal = false
	m.finishing = false
	m.lastState = AuthStateNone
}
