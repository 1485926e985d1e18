package authentication

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/junbin-yang/devicemanager-go/pkg/auth_message"
	"github.com/junbin-yang/devicemanager-go/pkg/bus_center"
	dmctx "github.com/junbin-yang/devicemanager-go/pkg/context"
	"github.com/junbin-yang/devicemanager-go/pkg/device_auth"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/crypto"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// 以下方法都在事件goroutine中执行

// ============================================================================
// 发起方
// ============================================================================

func (m *AuthManager) authenticateDevice(pkgName string, authType int32, deviceId string, extra string) error {
	if pkgName == "" || deviceId == "" || extra == "" {
		return fmt.Errorf("%w: pkgName, deviceId and extra are required", ErrInputInvalid)
	}
	factory, ok := m.factories[authType]
	if !ok {
		return fmt.Errorf("%w: auth type %d", ErrNotSupported, authType)
	}
	if m.side != sideNone {
		log.Warnf("[DM_AUTH] 已有认证会话进行中，拒绝认证 %s", deviceId)
		return ErrBusy
	}
	if !m.softbus.IsDeviceOnline(deviceId) {
		return fmt.Errorf("%w: device %s offline", ErrInputInvalid, deviceId)
	}
	info, err := dmctx.ParseExtraInfo(extra)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputInvalid, err)
	}
	req := &dmctx.RequestContext{
		AuthType:      authType,
		DeviceId:      deviceId,
		LocalDeviceId: m.softbus.GetLocalDeviceId(),
		DeviceName:    m.localDeviceName,
		DeviceTypeId:  m.localDeviceType,
		SessionId:     -1,
		HostPkgName:   pkgName,
	}
	if err := info.Apply(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInputInvalid, err)
	}
	if len(req.AppIcon) > auth_message.MaxIconSize || len(req.AppThumbnail) > auth_message.MaxThumbnailSize {
		return fmt.Errorf("%w: app icon or thumbnail too large", ErrInputInvalid)
	}
	if req.Token, err = crypto.GenerateToken(); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	m.gen++
	m.side = sideRequest
	m.requestCtx = req
	m.responseCtx = &dmctx.ResponseContext{LocalDeviceId: req.LocalDeviceId}
	m.processor = auth_message.NewAuthMessageProcessor(m.sliceSize)
	m.processor.SetRequestContext(req)
	m.processor.SetResponseContext(m.responseCtx)
	m.authMethod = factory(m.maxPinRetries)
	log.Infof("[DM_AUTH] 开始认证设备 %s，pkg=%s，authType=%d", deviceId, pkgName, authType)

	m.startTimer(PhaseAuthenticate, m.timeouts.Authenticate)
	m.transitionTo(&requestInitState{})
	return nil
}

func (m *AuthManager) establishAuthChannel() error {
	id, err := m.softbus.OpenAuthSession(m.requestCtx.DeviceId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	m.sessionId = id
	m.requestCtx.SessionId = id
	log.Infof("[DM_AUTH] 打开认证会话 %d", id)
	return nil
}

func (m *AuthManager) startNegotiate() error {
	m.startTimer(PhaseNegotiate, m.timeouts.Negotiate)
	return m.sendMessage(auth_message.MsgTypeNegotiate)
}

func (m *AuthManager) sendAuthRequest() error {
	m.timers.DeleteTimer(PhaseNegotiate)
	if reply := m.responseCtx.Reply; reply != ReasonOK {
		log.Warnf("[DM_AUTH] 对端拒绝协商: %d", reply)
		m.finishSession(ReasonError(reply), false)
		return nil
	}
	msgs, err := m.processor.CreateAuthRequestMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	for _, msg := range msgs {
		if err := m.softbus.SendData(m.sessionId, msg); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
	}
	m.startTimer(PhaseConfirm, m.timeouts.Confirm)
	return nil
}

func (m *AuthManager) startRespAuthProcess() error {
	m.timers.DeleteTimer(PhaseConfirm)
	resp := m.responseCtx
	if resp.Reply != ReasonOK {
		log.Warnf("[DM_AUTH] 对端拒绝认证: %d", resp.Reply)
		m.finishSession(ReasonError(resp.Reply), false)
		return nil
	}
	if resp.Token != m.requestCtx.Token {
		return fmt.Errorf("%w: token mismatch", ErrMalformedMessage)
	}
	m.transitionTo(&requestInputState{})
	return nil
}

func (m *AuthManager) startInputAuth() error {
	m.startTimer(PhaseInput, m.timeouts.Input)
	if err := m.authMethod.StartAuth(m.responseCtx.AuthToken, m.ui); err != nil {
		return err
	}
	m.authInfoShown = true
	return nil
}

func (m *AuthManager) verifyAuthentication(authParam string) error {
	if m.side != sideRequest || m.currentStateType() != AuthStateRequestInput {
		return fmt.Errorf("%w: not waiting for input", ErrInputInvalid)
	}
	req := m.requestCtx
	pin, err := m.authMethod.VerifyAuthentication(m.responseCtx.AuthToken, authParam)
	m.notifyVerifyResult(req.HostPkgName, req.DeviceId, ReasonCode(err), req.AuthType)
	switch {
	case err == nil:
		m.joinPin = pin
		m.transitionTo(&requestJoinState{})
		return nil
	case errors.Is(err, ErrAuthInputFailed):
		return err
	default:
		m.finishSession(err, true)
		return err
	}
}

func (m *AuthManager) addMember() error {
	m.timers.DeleteTimer(PhaseInput)
	m.closeAuthInfo()
	req, resp := m.requestCtx, m.responseCtx
	info := device_auth.ConnectInfo{
		DeviceId:  req.LocalDeviceId,
		PinCode:   json.Number(strconv.FormatInt(int64(m.joinPin), 10)),
		GroupId:   resp.GroupId,
		GroupName: resp.GroupName,
		RequestId: resp.RequestId,
	}
	if addr, err := m.softbus.GetConnectAddr(req.DeviceId); err == nil {
		info.ConnectAddr = addr
	}
	data, err := json.Marshal(&info)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := m.hichain.AddMember(req.DeviceId, string(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrGroupOperationFailed, err)
	}
	m.startTimer(PhaseAddMember, m.timeouts.AddMember)
	return nil
}

func (m *AuthManager) onMemberJoin(requestId int64, status int32) {
	if m.side != sideRequest || m.currentStateType() != AuthStateRequestJoin || requestId != m.responseCtx.RequestId {
		log.Debugf("[DM_AUTH] 忽略组加入结果，requestId=%d", requestId)
		return
	}
	if status != 0 {
		log.Errorf("[DM_AUTH] 加入组失败，status=%d", status)
		m.finishSession(fmt.Errorf("%w: join status %d", ErrGroupOperationFailed, status), true)
		return
	}
	m.transitionTo(&requestNetworkState{})
}

func (m *AuthManager) joinNetwork() error {
	m.timers.DeleteTimer(PhaseAddMember)
	m.timers.DeleteTimer(PhaseAuthenticate)
	if m.network == nil {
		m.syncGroupsAndFinish()
		return nil
	}
	req, resp := m.requestCtx, m.responseCtx
	node := &bus_center.NodeInfo{
		NetworkID: resp.NetworkId,
		DeviceID:  req.DeviceId,
		GroupID:   resp.GroupId,
	}
	if addr, err := m.softbus.GetConnectAddr(req.DeviceId); err == nil {
		node.ConnectAddr = addr
	}
	gen := m.gen
	err := m.network.JoinLNN(node, func(networkId string, retCode int32) {
		m.post(func() { m.onJoinLNN(gen, networkId, retCode) })
	})
	if err != nil {
		log.Warnf("[DM_AUTH] 加入逻辑网络失败: %v", err)
		m.syncGroupsAndFinish()
	}
	return nil
}

func (m *AuthManager) onJoinLNN(gen uint64, networkId string, retCode int32) {
	if gen != m.gen || m.currentStateType() != AuthStateRequestNetwork {
		return
	}
	if retCode != 0 {
		log.Warnf("[DM_AUTH] 加入逻辑网络返回 %d", retCode)
	} else {
		log.Infof("[DM_AUTH] 设备 %s 已加入逻辑网络 %s", m.requestCtx.DeviceId, networkId)
	}
	m.syncGroupsAndFinish()
}

// syncGroupsAndFinish 告知对端本端与其相关的组，然后成功结束会话
func (m *AuthManager) syncGroupsAndFinish() {
	req := m.requestCtx
	groups, err := m.hichain.GetRelatedGroups(req.DeviceId)
	if err != nil {
		log.Warnf("[DM_AUTH] 查询相关组失败: %v", err)
	}
	req.GroupList = req.GroupList[:0]
	for _, g := range groups {
		req.GroupList = append(req.GroupList, g.GroupId)
	}
	if err := m.sendMessage(auth_message.MsgTypeSyncGroup); err != nil {
		log.Warnf("[DM_AUTH] 同步组信息失败: %v", err)
	}
	m.finishSession(nil, true)
}

// ============================================================================
// 接收方
// ============================================================================

func (m *AuthManager) startResponse(sessionId int) {
	m.gen++
	m.side = sideResponse
	m.sessionId = sessionId
	m.responseCtx = &dmctx.ResponseContext{LocalDeviceId: m.softbus.GetLocalDeviceId()}
	m.processor = auth_message.NewAuthMessageProcessor(m.sliceSize)
	m.processor.SetResponseContext(m.responseCtx)
	log.Infof("[DM_AUTH] 收到认证会话 %d", sessionId)
	m.transitionTo(&responseInitState{})
}

// replyBusy 忙时直接回复205并关闭新会话，不影响当前会话
func (m *AuthManager) replyBusy(sessionId int) {
	log.Warnf("[DM_AUTH] 认证业务忙，拒绝会话 %d", sessionId)
	p := auth_message.NewAuthMessageProcessor(m.sliceSize)
	p.SetResponseContext(&dmctx.ResponseContext{Reply: ReasonBusy})
	if msg, err := p.CreateSimpleMessage(auth_message.MsgTypeRespAuthTerminate); err == nil {
		if err := m.softbus.SendData(sessionId, msg); err != nil {
			log.Warnf("[DM_AUTH] 发送忙回复失败: %v", err)
		}
	}
	m.softbus.CloseAuthSession(sessionId)
}

func (m *AuthManager) waitNegotiate() error {
	m.startTimer(PhaseAuthenticate, m.timeouts.Authenticate)
	m.startTimer(PhaseWaitNegotiate, m.timeouts.WaitNegotiate)
	return nil
}

func (m *AuthManager) respNegotiate() error {
	m.timers.DeleteTimer(PhaseWaitNegotiate)
	resp := m.responseCtx
	factory, ok := m.factories[resp.AuthType]
	resp.Reply = ReasonOK
	switch {
	case !ok:
		log.Warnf("[DM_AUTH] 不支持的认证方式 %d", resp.AuthType)
		resp.Reply = ReasonNotSupported
	case m.hichain.IsDevicesInGroup(resp.LocalDeviceId, resp.DeviceId):
		log.Infof("[DM_AUTH] 设备 %s 已可信", resp.DeviceId)
		resp.Reply = ReasonPeerRejected
	}
	if err := m.sendMessage(auth_message.MsgTypeNegotiateResponse); err != nil {
		return err
	}
	if resp.Reply != ReasonOK {
		m.finishSession(ReasonError(resp.Reply), false)
		return nil
	}
	m.authMethod = factory(m.maxPinRetries)
	m.startTimer(PhaseWaitRequest, m.timeouts.WaitRequest)
	return nil
}

type confirmParams struct {
	TargetPkgName  string `json:"targetPkgName"`
	HostPkgName    string `json:"hostPkgName"`
	AppName        string `json:"appName"`
	AppDescription string `json:"appDescription"`
	AppIcon        []byte `json:"appIcon,omitempty"`
	AppThumbnail   []byte `json:"appThumbnail,omitempty"`
	DeviceId       string `json:"deviceId"`
	DeviceName     string `json:"deviceName"`
	DeviceType     int32  `json:"deviceType"`
	AuthType       int32  `json:"authType"`
}

func (m *AuthManager) showConfirmDialog() error {
	m.timers.DeleteTimer(PhaseWaitRequest)
	m.startTimer(PhaseConfirm, m.timeouts.Confirm)
	resp := m.responseCtx
	data, err := json.Marshal(&confirmParams{
		TargetPkgName:  resp.TargetPkgName,
		HostPkgName:    resp.HostPkgName,
		AppName:        resp.AppName,
		AppDescription: resp.AppDesc,
		AppIcon:        resp.AppIcon,
		AppThumbnail:   resp.AppThumbnail,
		DeviceId:       resp.DeviceId,
		DeviceName:     resp.DeviceName,
		DeviceType:     resp.DeviceTypeId,
		AuthType:       resp.AuthType,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	m.ui.ShowConfirmDialog(string(data))
	return nil
}

// rejectAuth 通过ResponseAuth把拒绝原因告知发起方
func (m *AuthManager) rejectAuth(reason int32, cause error) {
	m.responseCtx.Reply = reason
	if err := m.sendMessage(auth_message.MsgTypeResponseAuth); err != nil {
		log.Warnf("[DM_AUTH] 发送拒绝消息失败: %v", err)
	}
	m.finishSession(cause, false)
}

func (m *AuthManager) createGroup() error {
	m.timers.DeleteTimer(PhaseConfirm)
	resp := m.responseCtx
	requestId, err := crypto.GenerateRequestID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	resp.RequestId = requestId
	resp.GroupName = groupNameOf(m.pkgNameOf(resp), resp.LocalDeviceId, resp.DeviceId)
	if err := m.hichain.CreateGroup(requestId, resp.GroupName); err != nil {
		return fmt.Errorf("%w: %v", ErrGroupOperationFailed, err)
	}
	return nil
}

func (m *AuthManager) onGroupCreated(requestId int64, groupInfo string) {
	if m.side != sideResponse || m.currentStateType() != AuthStateResponseGroup || requestId != m.responseCtx.RequestId {
		log.Debugf("[DM_AUTH] 忽略建组结果，requestId=%d", requestId)
		return
	}
	groupId := auth_message.ExtractGroupId(groupInfo)
	if groupId == "" {
		log.Errorf("[DM_AUTH] 创建可信组失败: %s", groupInfo)
		m.finishSession(ErrGroupOperationFailed, true)
		return
	}
	m.responseCtx.GroupId = groupId
	m.createdGroupId = groupId
	m.transitionTo(&responseShowState{})
}

func (m *AuthManager) showAuthInfo() error {
	resp := m.responseCtx
	pin, err := crypto.GeneratePinCode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	m.pinCode.Store(pin)
	resp.Code = pin
	resp.Reply = ReasonOK
	resp.NetworkId = bus_center.NetworkIDOf(resp.LocalDeviceId)
	token := &dmctx.AuthToken{
		PinCode:  pin,
		PinToken: resp.Token,
		QrCode:   crypto.Sha256Hex(resp.Token, resp.GroupId),
		NfcCode:  crypto.Sha256Hex(resp.GroupName, resp.NetworkId),
	}
	resp.AuthToken = token.String()
	if err := m.sendMessage(auth_message.MsgTypeResponseAuth); err != nil {
		return err
	}
	if err := m.authMethod.ShowAuthInfo(resp.AuthToken, m.ui); err != nil {
		return err
	}
	m.authInfoShown = true
	return nil
}

func (m *AuthManager) pkgNameOf(resp *dmctx.ResponseContext) string {
	if resp.TargetPkgName != "" {
		return resp.TargetPkgName
	}
	return resp.HostPkgName
}

// groupNameOf 组名为 包名_本端ID前8位_对端ID前8位
func groupNameOf(pkgName, localId, peerId string) string {
	if pkgName == "" {
		pkgName = "devicemanager"
	}
	return fmt.Sprintf("%s_%s_%s", pkgName, shortId(localId), shortId(peerId))
}

func shortId(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ============================================================================
// 用户操作
// ============================================================================

func (m *AuthManager) onUserOperation(action int32) error {
	state := m.currentStateType()
	switch action {
	case UserOperationAllow:
		if state != AuthStateResponseConfirm {
			return fmt.Errorf("%w: no pending confirmation", ErrInputInvalid)
		}
		log.Info("[DM_AUTH] 用户允许认证")
		m.transitionTo(&responseGroupState{})
	case UserOperationCancel:
		switch {
		case state == AuthStateResponseConfirm:
			log.Info("[DM_AUTH] 用户拒绝认证")
			m.rejectAuth(ReasonPeerRejected, ErrUserCanceled)
		case m.side == sideRequest && !isFinishState(state):
			m.finishSession(ErrUserCanceled, true)
		default:
			return fmt.Errorf("%w: nothing to cancel", ErrInputInvalid)
		}
	case UserOperationConfirmTimeout:
		if state != AuthStateResponseConfirm {
			return fmt.Errorf("%w: no pending confirmation", ErrInputInvalid)
		}
		m.rejectAuth(ReasonTimeout, ErrTimeout)
	case UserOperationCancelPinDisplay:
		if state != AuthStateResponseShow {
			return fmt.Errorf("%w: pin not displayed", ErrInputInvalid)
		}
		m.finishSession(ErrUserCanceled, true)
	case UserOperationCancelPinInput:
		if state != AuthStateRequestInput {
			return fmt.Errorf("%w: not waiting for input", ErrInputInvalid)
		}
		m.finishSession(ErrUserCanceled, true)
	default:
		return fmt.Errorf("%w: unknown user operation %d", ErrInputInvalid, action)
	}
	return nil
}

// ============================================================================
// 传输事件
// ============================================================================

func (m *AuthManager) onSessionOpened(sessionId int, side softbus.SessionSide, result int32) {
	if side == softbus.SideServer {
		if result != softbus.OpenResultOK {
			return
		}
		if m.side != sideNone {
			m.replyBusy(sessionId)
			return
		}
		m.startResponse(sessionId)
		return
	}
	if m.side != sideRequest || sessionId != m.sessionId || m.currentStateType() != AuthStateRequestInit {
		return
	}
	if result != softbus.OpenResultOK {
		log.Errorf("[DM_AUTH] 打开认证会话 %d 失败: %d", sessionId, result)
		m.sessionId = -1
		m.finishSession(fmt.Errorf("%w: open result %d", ErrTransportFailed, result), false)
		return
	}
	m.transitionTo(&requestNegotiateState{})
}

func (m *AuthManager) onDataReceived(sessionId int, data []byte) {
	if m.side == sideNone || sessionId != m.sessionId || m.processor == nil {
		return
	}
	complete, err := m.processor.ParseMessage(data)
	if err != nil {
		log.Errorf("[DM_AUTH] 解析消息失败: %v", err)
		m.finishSession(fmt.Errorf("%w: %v", ErrMalformedMessage, err), true)
		return
	}
	if !complete {
		return
	}
	resp := m.responseCtx
	state := m.currentStateType()
	log.Debugf("[DM_AUTH] 收到消息 %d，当前状态 %s", resp.MsgType, state)

	switch msgType := resp.MsgType; {
	case msgType == auth_message.MsgTypeChannelClosed:
		m.finishSession(ErrTransportFailed, false)
	case msgType == auth_message.MsgTypeReqAuthTerminate || msgType == auth_message.MsgTypeRespAuthTerminate:
		reason := ReasonError(resp.Reply)
		if reason == nil && (m.side != sideResponse || state != AuthStateResponseShow) {
			reason = ErrPeerRejected
		}
		m.finishSession(reason, false)
	case msgType == auth_message.MsgTypeNegotiateResponse && state == AuthStateRequestNegotiate:
		m.transitionTo(&requestNegotiateDoneState{})
	case msgType == auth_message.MsgTypeResponseAuth && state == AuthStateRequestNegotiateDone:
		m.transitionTo(&requestReplyState{})
	case msgType == auth_message.MsgTypeNegotiate && state == AuthStateResponseInit:
		m.transitionTo(&responseNegotiateState{})
	case msgType == auth_message.MsgTypeRequestAuth && state == AuthStateResponseNegotiate:
		m.transitionTo(&responseConfirmState{})
	case msgType == auth_message.MsgTypeSyncGroup && state == AuthStateResponseShow:
		if !m.peerJoinedGroup() {
			log.Warnf("[DM_AUTH] 设备 %s 尚未加入组 %s，忽略SyncGroup", resp.DeviceId, m.createdGroupId)
			return
		}
		if err := m.hichain.SyncGroups(resp.DeviceId, resp.GroupList); err != nil {
			log.Warnf("[DM_AUTH] 同步组失败: %v", err)
		}
	default:
		log.Warnf("[DM_AUTH] 状态 %s 下忽略消息 %d", state, msgType)
	}
}

// peerJoinedGroup 对端是否已成为本次会话所建组的成员
func (m *AuthManager) peerJoinedGroup() bool {
	if m.createdGroupId == "" {
		return false
	}
	groups, err := m.hichain.GetRelatedGroups(m.responseCtx.DeviceId)
	if err != nil {
		log.Warnf("[DM_AUTH] 查询设备 %s 的组失败: %v", m.responseCtx.DeviceId, err)
		return false
	}
	for _, g := range groups {
		if g.GroupId == m.createdGroupId {
			return true
		}
	}
	return false
}

// ============================================================================
// 结束
// ============================================================================

func (m *AuthManager) sendMessage(msgType int32) error {
	msg, err := m.processor.CreateSimpleMessage(msgType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := m.softbus.SendData(m.sessionId, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	return nil
}

func (m *AuthManager) closeAuthInfo() {
	if !m.authInfoShown || m.authMethod == nil {
		return
	}
	m.authInfoShown = false
	if err := m.authMethod.CloseAuthInfo(m.responseCtx.PageId, m.ui); err != nil {
		log.Warnf("[DM_AUTH] 关闭认证界面失败: %v", err)
	}
}

func (m *AuthManager) authenticateFinish() error {
	if m.side == sideNone {
		return nil
	}
	m.finishing = true
	m.timers.DeleteAll()
	m.pinCode.Store(-1)

	var pkgName, deviceId, token string
	var reason int32
	if m.side == sideRequest {
		req := m.requestCtx
		reason = req.Reason
		pkgName, deviceId, token = req.HostPkgName, req.DeviceId, req.Token
		if m.isFinishLocal && m.sessionId >= 0 {
			if err := m.sendMessage(auth_message.MsgTypeReqAuthTerminate); err != nil {
				log.Warnf("[DM_AUTH] 发送终止消息失败: %v", err)
			}
		}
	} else {
		resp := m.responseCtx
		reason = resp.Reply
		pkgName, deviceId, token = m.pkgNameOf(resp), resp.DeviceId, resp.Token
		if m.isFinishLocal && m.sessionId >= 0 {
			if err := m.sendMessage(auth_message.MsgTypeRespAuthTerminate); err != nil {
				log.Warnf("[DM_AUTH] 发送终止消息失败: %v", err)
			}
		}
		m.finishResponseGroup(reason)
	}
	m.closeAuthInfo()

	log.Infof("[DM_AUTH] 认证会话结束，设备 %s，状态 %s，原因 %d", deviceId, m.lastState, reason)
	m.notifyAuthResult(pkgName, deviceId, token, m.lastState, reason)

	if m.sessionId >= 0 {
		m.softbus.CloseAuthSession(m.sessionId)
	}
	m.resetSession()
	return nil
}

// finishResponseGroup 失败时删除本次新建且对端未加入的组，成功时记录对端节点
func (m *AuthManager) finishResponseGroup(reason int32) {
	resp := m.responseCtx
	if reason != ReasonOK {
		if m.createdGroupId != "" && !m.hichain.IsDevicesInGroup(resp.LocalDeviceId, resp.DeviceId) {
			if err := m.hichain.DeleteGroup(m.createdGroupId); err != nil {
				log.Warnf("[DM_AUTH] 删除组 %s 失败: %v", m.createdGroupId, err)
			}
		}
		return
	}
	if m.network == nil {
		return
	}
	node := &bus_center.NodeInfo{
		DeviceID:   resp.DeviceId,
		DeviceName: resp.DeviceName,
		DeviceType: int(resp.DeviceTypeId),
		GroupID:    resp.GroupId,
	}
	if addr, err := m.softbus.GetConnectAddr(resp.DeviceId); err == nil {
		node.ConnectAddr = addr
	}
	if err := m.network.JoinLNN(node, nil); err != nil {
		log.Warnf("[DM_AUTH] 记录对端节点失败: %v", err)
	}
}

func (m *AuthManager) notifyAuthResult(pkgName, deviceId, token string, state AuthStateType, reason int32) {
	if l := m.listener; l != nil {
		m.notify.push(func() { l.OnAuthResult(pkgName, deviceId, token, state, reason) })
	}
}

func (m *AuthManager) notifyVerifyResult(pkgName, deviceId string, result int32, flag int32) {
	if l := m.listener; l != nil {
		m.notify.push(func() { l.OnVerifyAuthResult(pkgName, deviceId, result, flag) })
	}
}
