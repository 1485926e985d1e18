package hichain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/junbin-yang/devicemanager-go/pkg/utils/crypto"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

var (
	ErrInvalidHandle = errors.New("hichain: invalid handle")
	ErrWrongRole     = errors.New("hichain: operation not allowed for role")
	ErrUnexpectedMsg = errors.New("hichain: unexpected message")
	ErrFinished      = errors.New("hichain: session already finished")
)

// HiChainHandle 一次PAKE组加入会话。HCController为加入方，HCAccessory为拥有方
type HiChainHandle struct {
	mu         sync.Mutex
	identity   SessionIdentity
	deviceType int
	callback   HCCallBack
	keys       KeyStore

	state    int
	params   *ProtocolParams
	speke    *spekeContext
	finished bool
}

// GetInstance 创建一个新的HiChain实例，keys为空时使用内存KeyStore
func GetInstance(identity *SessionIdentity, deviceType int, callback *HCCallBack, keys KeyStore) (*HiChainHandle, error) {
	if identity == nil || callback == nil || callback.OnTransmit == nil ||
		callback.GetProtocolParams == nil || callback.SetServiceResult == nil {
		return nil, fmt.Errorf("无效参数")
	}
	if deviceType != HCAccessory && deviceType != HCController {
		return nil, fmt.Errorf("无效的设备类型: %d", deviceType)
	}
	if keys == nil {
		keys = NewMemoryKeyStore()
	}

	handle := &HiChainHandle{
		identity:   *identity,
		deviceType: deviceType,
		callback:   *callback,
		keys:       keys,
		state:      StateInit,
		speke:      &spekeContext{},
	}
	log.Infof("[HICHAIN] 为请求 %d 创建实例，设备类型 %d", identity.SessionID, deviceType)
	return handle, nil
}

// Destroy 销毁实例并把调用方的指针置空
func Destroy(handle **HiChainHandle) {
	if handle == nil || *handle == nil {
		return
	}
	log.Infof("[HICHAIN] 销毁请求 %d 的实例", (*handle).identity.SessionID)
	*handle = nil
}

func (h *HiChainHandle) GetState() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// GetSessionKey 返回PAKE派生的会话密钥，握手未完成时为nil
func (h *HiChainHandle) GetSessionKey() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateCompleted {
		return nil
	}
	return append([]byte(nil), h.speke.sessionKey...)
}

// StartAuth 加入方发送PAKE_REQUEST
func (h *HiChainHandle) StartAuth() error {
	if h == nil {
		return ErrInvalidHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.deviceType != HCController {
		return ErrWrongRole
	}
	if h.state != StateInit {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	params, err := h.callback.GetProtocolParams(&h.identity, OpCodeAddMember)
	if err != nil {
		return err
	}
	if params == nil || params.PinCode == "" {
		return ErrEmptyPin
	}
	h.params = params
	h.state = StateStarted

	return h.sendLocked(&AuthMessage{
		MessageType:  MsgTypePakeRequest,
		RequestID:    strconv.FormatInt(h.identity.SessionID, 10),
		ConnDeviceID: params.SelfAuthID,
		GroupID:      params.GroupID,
		Payload: &PakePayload{
			Version:       &VersionInfo{MinVersion: pakeMinVersion, CurrentVersion: pakeCurrentVersion},
			OperationCode: OpCodeAddMember,
		},
	})
}

// ReceiveData 处理对端发来的一条HiChain消息
func (h *HiChainHandle) ReceiveData(data []byte) error {
	if h == nil {
		return ErrInvalidHandle
	}
	msg, err := unpackMessage(data)
	if err != nil {
		return fmt.Errorf("解析HiChain消息失败: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return ErrFinished
	}
	log.Debugf("[HICHAIN] 请求 %d 收到消息 0x%x，长度=%d", h.identity.SessionID, msg.MessageType, len(data))

	if msg.MessageType == MsgTypeError {
		log.Warnf("[HICHAIN] 对端报告错误: %d", msg.ErrorCode)
		code := msg.ErrorCode
		if code == HCOk {
			code = HCError
		}
		h.failLocked(code, false)
		return nil
	}

	if h.deviceType == HCAccessory {
		switch msg.MessageType {
		case MsgTypePakeRequest:
			err = h.handlePakeRequest(msg)
		case MsgTypePakeClientConfirm:
			err = h.handleClientConfirm(msg)
		case MsgTypePakeExchangeReq:
			err = h.handleExchangeRequest(msg)
		default:
			err = fmt.Errorf("%w: 0x%x", ErrUnexpectedMsg, msg.MessageType)
		}
	} else {
		switch msg.MessageType {
		case MsgTypePakeResponse:
			err = h.handlePakeResponse(msg)
		case MsgTypePakeServerConfirm:
			err = h.handleServerConfirm(msg)
		case MsgTypePakeExchangeResp:
			err = h.handleExchangeResponse(msg)
		default:
			err = fmt.Errorf("%w: 0x%x", ErrUnexpectedMsg, msg.MessageType)
		}
	}

	if err != nil {
		log.Errorf("[HICHAIN] 请求 %d 处理消息 0x%x 失败: %v", h.identity.SessionID, msg.MessageType, err)
		code := int32(HCError)
		if errors.Is(err, ErrKeyConfirmFailed) || errors.Is(err, ErrSignatureInvalid) {
			code = HCAuthFailed
		}
		h.failLocked(code, true)
	}
	return err
}

// ---------------- 拥有方 ----------------

func (h *HiChainHandle) handlePakeRequest(msg *AuthMessage) error {
	if h.state != StateInit {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	params, err := h.callback.GetProtocolParams(&h.identity, OpCodeAddMember)
	if err != nil {
		return err
	}
	if params == nil || params.PinCode == "" {
		return ErrEmptyPin
	}
	h.params = params

	if h.speke.salt, err = crypto.GenerateRandomBytes(saltLength); err != nil {
		return err
	}
	base, err := deriveBasePoint(params.PinCode, h.speke.salt)
	if err != nil {
		return err
	}
	if err := h.speke.newEphemeral(base); err != nil {
		return err
	}
	if h.speke.challengeSelf, err = crypto.GenerateRandomBytes(challengeLength); err != nil {
		return err
	}
	h.state = StateAuthenticating

	return h.sendLocked(&AuthMessage{
		MessageType:  MsgTypePakeResponse,
		RequestID:    msg.RequestID,
		PeerDeviceID: params.SelfAuthID,
		Payload: &PakePayload{
			Salt:      hex.EncodeToString(h.speke.salt),
			Epk:       hex.EncodeToString(h.speke.epkSelf),
			Challenge: hex.EncodeToString(h.speke.challengeSelf),
			Version:   &VersionInfo{MinVersion: pakeMinVersion, CurrentVersion: pakeCurrentVersion},
		},
	})
}

func (h *HiChainHandle) handleClientConfirm(msg *AuthMessage) error {
	if h.state != StateAuthenticating || h.speke.sessionKey != nil {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	if msg.Payload == nil {
		return fmt.Errorf("缺少payload")
	}
	var err error
	if h.speke.epkPeer, err = decodeHex("epk", msg.Payload.Epk); err != nil {
		return err
	}
	if h.speke.challengePeer, err = decodeHex("challenge", msg.Payload.Challenge); err != nil {
		return err
	}
	proof, err := decodeHex("kcfData", msg.Payload.KcfData)
	if err != nil {
		return err
	}
	if err := h.speke.deriveKeys(); err != nil {
		return err
	}
	if err := h.speke.verifyPeerProof(proof); err != nil {
		return err
	}
	h.notifySessionKeyLocked()

	return h.sendLocked(&AuthMessage{
		MessageType: MsgTypePakeServerConfirm,
		RequestID:   msg.RequestID,
		Payload:     &PakePayload{KcfData: hex.EncodeToString(h.speke.proofSelf())},
	})
}

func (h *HiChainHandle) handleExchangeRequest(msg *AuthMessage) error {
	if h.state != StateAuthenticating || h.speke.sessionKey == nil {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	if msg.Payload == nil || msg.Payload.ExAuthInfo == "" {
		return fmt.Errorf("缺少exAuthInfo")
	}
	peer, err := h.openAuthInfo(msg.Payload.ExAuthInfo, exchangeRequestAad)
	if err != nil {
		return err
	}
	exAuthInfo, err := h.sealAuthInfo(peer.GroupID, peer.GroupName, exchangeResponseAad)
	if err != nil {
		return err
	}
	if err := h.sendLocked(&AuthMessage{
		MessageType:  MsgTypePakeExchangeResp,
		RequestID:    msg.RequestID,
		PeerDeviceID: h.params.SelfAuthID,
		Payload:      &PakePayload{ExAuthInfo: exAuthInfo},
	}); err != nil {
		return err
	}
	h.completeLocked(peer)
	return nil
}

// ---------------- 加入方 ----------------

func (h *HiChainHandle) handlePakeResponse(msg *AuthMessage) error {
	if h.state != StateStarted {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	if msg.Payload == nil {
		return fmt.Errorf("缺少payload")
	}
	var err error
	if h.speke.salt, err = decodeHex("salt", msg.Payload.Salt); err != nil {
		return err
	}
	if h.speke.epkPeer, err = decodeHex("epk", msg.Payload.Epk); err != nil {
		return err
	}
	if h.speke.challengePeer, err = decodeHex("challenge", msg.Payload.Challenge); err != nil {
		return err
	}
	base, err := deriveBasePoint(h.params.PinCode, h.speke.salt)
	if err != nil {
		return err
	}
	if err := h.speke.newEphemeral(base); err != nil {
		return err
	}
	if h.speke.challengeSelf, err = crypto.GenerateRandomBytes(challengeLength); err != nil {
		return err
	}
	if err := h.speke.deriveKeys(); err != nil {
		return err
	}
	h.state = StateAuthenticating

	return h.sendLocked(&AuthMessage{
		MessageType: MsgTypePakeClientConfirm,
		RequestID:   msg.RequestID,
		Payload: &PakePayload{
			Epk:       hex.EncodeToString(h.speke.epkSelf),
			Challenge: hex.EncodeToString(h.speke.challengeSelf),
			KcfData:   hex.EncodeToString(h.speke.proofSelf()),
		},
	})
}

func (h *HiChainHandle) handleServerConfirm(msg *AuthMessage) error {
	if h.state != StateAuthenticating {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	if msg.Payload == nil {
		return fmt.Errorf("缺少payload")
	}
	proof, err := decodeHex("kcfData", msg.Payload.KcfData)
	if err != nil {
		return err
	}
	if err := h.speke.verifyPeerProof(proof); err != nil {
		return err
	}
	h.notifySessionKeyLocked()

	exAuthInfo, err := h.sealAuthInfo(h.params.GroupID, h.params.GroupName, exchangeRequestAad)
	if err != nil {
		return err
	}
	return h.sendLocked(&AuthMessage{
		MessageType:  MsgTypePakeExchangeReq,
		RequestID:    msg.RequestID,
		ConnDeviceID: h.params.SelfAuthID,
		Payload:      &PakePayload{ExAuthInfo: exAuthInfo},
	})
}

func (h *HiChainHandle) handleExchangeResponse(msg *AuthMessage) error {
	if h.state != StateAuthenticating {
		return fmt.Errorf("%w: state %d", ErrUnexpectedMsg, h.state)
	}
	if msg.Payload == nil || msg.Payload.ExAuthInfo == "" {
		return fmt.Errorf("缺少exAuthInfo")
	}
	peer, err := h.openAuthInfo(msg.Payload.ExAuthInfo, exchangeResponseAad)
	if err != nil {
		return err
	}
	h.completeLocked(peer)
	return nil
}

// ---------------- 公共 ----------------

func (h *HiChainHandle) sendLocked(msg *AuthMessage) error {
	data, err := packMessage(msg)
	if err != nil {
		return err
	}
	if err := h.callback.OnTransmit(&h.identity, data); err != nil {
		return fmt.Errorf("发送消息 0x%x 失败: %w", msg.MessageType, err)
	}
	return nil
}

func (h *HiChainHandle) notifySessionKeyLocked() {
	if h.callback.SetSessionKey == nil {
		return
	}
	key := &SessionKey{Key: append([]byte(nil), h.speke.sessionKey...), Length: SessionKeyLength}
	if err := h.callback.SetSessionKey(&h.identity, key); err != nil {
		log.Warnf("[HICHAIN] 设置会话密钥失败: %v", err)
	}
}

func (h *HiChainHandle) completeLocked(peer *PeerAuthInfo) {
	h.state = StateCompleted
	h.finished = true
	log.Infof("[HICHAIN] 请求 %d 认证成功，对端 %s", h.identity.SessionID, peer.AuthID)
	h.callback.SetServiceResult(&h.identity, HCOk, peer)
}

// failLocked 结束会话；notifyPeer为true时先给对端发送错误消息
func (h *HiChainHandle) failLocked(code int32, notifyPeer bool) {
	if h.finished {
		return
	}
	h.state = StateFailed
	h.finished = true
	if notifyPeer {
		_ = h.sendLocked(&AuthMessage{
			MessageType: MsgTypeError,
			RequestID:   strconv.FormatInt(h.identity.SessionID, 10),
			ErrorCode:   code,
		})
	}
	h.callback.SetServiceResult(&h.identity, code, nil)
}
