package authentication

import "weak"

// AuthState 认证状态。状态只弱引用AuthManager，AuthManager释放后Enter返回ErrInternal
type AuthState interface {
	Enter() error
	Leave()
	GetStateType() AuthStateType
	setAuthManager(mgr weak.Pointer[AuthManager])
}

type authStateBase struct {
	mgr weak.Pointer[AuthManager]
}

func (s *authStateBase) setAuthManager(mgr weak.Pointer[AuthManager]) { s.mgr = mgr }

func (s *authStateBase) Leave() {}

func (s *authStateBase) authManager() (*AuthManager, error) {
	m := s.mgr.Value()
	if m == nil {
		return nil, ErrInternal
	}
	return m, nil
}

// ============================================================================
// 发起方状态
// ============================================================================

// requestInitState 打开认证会话
type requestInitState struct{ authStateBase }

func (s *requestInitState) GetStateType() AuthStateType { return AuthStateRequestInit }

func (s *requestInitState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.establishAuthChannel()
}

// requestNegotiateState 发送协商消息
type requestNegotiateState struct{ authStateBase }

func (s *requestNegotiateState) GetStateType() AuthStateType { return AuthStateRequestNegotiate }

func (s *requestNegotiateState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.startNegotiate()
}

// requestNegotiateDoneState 收到协商回复，对端接受时发送RequestAuth
type requestNegotiateDoneState struct{ authStateBase }

func (s *requestNegotiateDoneState) GetStateType() AuthStateType {
	return AuthStateRequestNegotiateDone
}

func (s *requestNegotiateDoneState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.sendAuthRequest()
}

// requestReplyState 收到ResponseAuth
type requestReplyState struct{ authStateBase }

func (s *requestReplyState) GetStateType() AuthStateType { return AuthStateRequestReply }

func (s *requestReplyState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.startRespAuthProcess()
}

// requestInputState 等待用户输入
type requestInputState struct{ authStateBase }

func (s *requestInputState) GetStateType() AuthStateType { return AuthStateRequestInput }

func (s *requestInputState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.startInputAuth()
}

// requestJoinState 加入对端创建的可信组
type requestJoinState struct{ authStateBase }

func (s *requestJoinState) GetStateType() AuthStateType { return AuthStateRequestJoin }

func (s *requestJoinState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.addMember()
}

// requestNetworkState 加入逻辑网络
type requestNetworkState struct{ authStateBase }

func (s *requestNetworkState) GetStateType() AuthStateType { return AuthStateRequestNetwork }

func (s *requestNetworkState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.joinNetwork()
}

type requestFinishState struct{ authStateBase }

func (s *requestFinishState) GetStateType() AuthStateType { return AuthStateRequestFinish }

func (s *requestFinishState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.authenticateFinish()
}

// ============================================================================
// 接收方状态
// ============================================================================

// responseInitState 等待协商消息
type responseInitState struct{ authStateBase }

func (s *responseInitState) GetStateType() AuthStateType { return AuthStateResponseInit }

func (s *responseInitState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.waitNegotiate()
}

// responseNegotiateState 回复协商，已可信的设备直接拒绝
type responseNegotiateState struct{ authStateBase }

func (s *responseNegotiateState) GetStateType() AuthStateType { return AuthStateResponseNegotiate }

func (s *responseNegotiateState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.respNegotiate()
}

// responseConfirmState 等待用户授权
type responseConfirmState struct{ authStateBase }

func (s *responseConfirmState) GetStateType() AuthStateType { return AuthStateResponseConfirm }

func (s *responseConfirmState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.showConfirmDialog()
}

// responseGroupState 创建可信组
type responseGroupState struct{ authStateBase }

func (s *responseGroupState) GetStateType() AuthStateType { return AuthStateResponseGroup }

func (s *responseGroupState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.createGroup()
}

// responseShowState 发送ResponseAuth并展示PIN
type responseShowState struct{ authStateBase }

func (s *responseShowState) GetStateType() AuthStateType { return AuthStateResponseShow }

func (s *responseShowState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.showAuthInfo()
}

type responseFinishState struct{ authStateBase }

func (s *responseFinishState) GetStateType() AuthStateType { return AuthStateResponseFinish }

func (s *responseFinishState) Enter() error {
	m, err := s.authManager()
	if err != nil {
		return err
	}
	return m.authenticateFinish()
}

func isFinishState(t AuthStateType) bool {
	return t == AuthStateRequestFinish || t == AuthStateResponseFinish
}
