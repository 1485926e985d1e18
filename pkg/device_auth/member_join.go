package device_auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/junbin-yang/devicemanager-go/pkg/device_auth/hichain"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// ConnectInfo AddMember的connectInfo参数
type ConnectInfo struct {
	DeviceId    string      `json:"DEVICEID"`
	PinCode     json.Number `json:"PIN_CODE"`
	GroupId     string      `json:"groupId"`
	GroupName   string      `json:"groupName"`
	RequestId   int64       `json:"REQUEST_ID"`
	ConnectAddr string      `json:"connectAddr,omitempty"`
}

// joinSession 一次组加入PAKE。字段只在持有mu时访问
type joinSession struct {
	mu           sync.Mutex
	sessionId    int
	requestId    int64
	role         int
	handle       *hichain.HiChainHandle
	groupId      string
	groupName    string
	pin          string
	peerDeviceId string
	reject       error
	sessionKey   []byte
	finished     bool
	once         sync.Once
}

// AddMember 加入对端的组。connectInfo为ConnectInfo的JSON，结果通过OnMemberJoin异步返回
func (c *HiChainConnector) AddMember(deviceId string, connectInfo string) error {
	var info ConnectInfo
	if err := json.Unmarshal([]byte(connectInfo), &info); err != nil {
		return fmt.Errorf("%w: connectInfo: %v", ErrInvalidParams, err)
	}
	pin, err := strconv.ParseInt(info.PinCode.String(), 10, 32)
	if err != nil || info.GroupId == "" || deviceId == "" {
		return fmt.Errorf("%w: connectInfo缺少字段", ErrInvalidParams)
	}
	cb := c.getCallback()
	if cb == nil {
		return ErrNoCallback
	}
	addr := info.ConnectAddr
	if addr == "" {
		if addr, err = cb.GetConnectAddr(deviceId); err != nil || addr == "" {
			return fmt.Errorf("%w: %s", ErrNoConnectAddr, deviceId)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrTransportAbsent
	}
	for _, j := range c.joins {
		if j.role == hichain.HCController && j.requestId == info.RequestId {
			return ErrJoinInProgress
		}
	}
	sessionId, err := c.transport.OpenSessionByAddr(HiChainSessionName, addr)
	if err != nil {
		return fmt.Errorf("打开组加入会话失败: %w", err)
	}
	c.joins[sessionId] = &joinSession{
		sessionId:    sessionId,
		requestId:    info.RequestId,
		role:         hichain.HCController,
		groupId:      info.GroupId,
		groupName:    info.GroupName,
		pin:          strconv.FormatInt(pin, 10),
		peerDeviceId: deviceId,
	}
	log.Infof("[DEVICE_AUTH] 请求 %d 加入组 %s，连接 %s", info.RequestId, info.GroupId, addr)
	return nil
}

func (c *HiChainConnector) getJoin(sessionId int) *joinSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins[sessionId]
}

func (c *HiChainConnector) takeJoin(sessionId int) *joinSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.joins[sessionId]
	delete(c.joins, sessionId)
	return j
}

// OnSessionOpened 实现 softbus.ISessionListener
func (c *HiChainConnector) OnSessionOpened(sessionId int, side softbus.SessionSide, result int32) {
	if side == softbus.SideServer {
		c.acceptJoin(sessionId)
		return
	}
	j := c.getJoin(sessionId)
	if j == nil {
		return
	}
	if result != softbus.OpenResultOK {
		log.Errorf("[DEVICE_AUTH] 组加入会话 %d 打开失败: %d", sessionId, result)
		c.takeJoin(sessionId)
		c.finishJoin(j, HC_ERR)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	identity := &hichain.SessionIdentity{SessionID: j.requestId, PackageName: c.ownerPkg, OperationCode: hichain.OpCodeAddMember}
	handle, err := hichain.GetInstance(identity, hichain.HCController, c.hichainCallback(j), c.keys)
	if err == nil {
		j.handle = handle
		err = handle.StartAuth()
	}
	if err != nil {
		log.Errorf("[DEVICE_AUTH] 请求 %d 启动PAKE失败: %v", j.requestId, err)
		c.takeJoin(sessionId)
		c.transport.CloseSession(sessionId)
		c.finishJoin(j, HC_ERR)
	}
}

func (c *HiChainConnector) acceptJoin(sessionId int) {
	peer, _ := c.transport.GetPeerDeviceId(sessionId)
	j := &joinSession{
		sessionId:    sessionId,
		requestId:    int64(sessionId),
		role:         hichain.HCAccessory,
		peerDeviceId: peer,
	}
	identity := &hichain.SessionIdentity{SessionID: j.requestId, PackageName: c.ownerPkg, OperationCode: hichain.OpCodeAddMember}
	handle, err := hichain.GetInstance(identity, hichain.HCAccessory, c.hichainCallback(j), c.keys)
	if err != nil {
		log.Errorf("[DEVICE_AUTH] 创建HiChain实例失败: %v", err)
		c.transport.CloseSession(sessionId)
		return
	}
	j.handle = handle

	c.mu.Lock()
	c.joins[sessionId] = j
	c.mu.Unlock()
	log.Infof("[DEVICE_AUTH] 设备 %s 发起组加入，会话 %d", peer, sessionId)
}

// OnBytesReceived 实现 softbus.ISessionListener
func (c *HiChainConnector) OnBytesReceived(sessionId int, data []byte) {
	j := c.getJoin(sessionId)
	if j == nil {
		log.Warnf("[DEVICE_AUTH] 会话 %d 无对应的组加入，丢弃数据", sessionId)
		return
	}

	j.mu.Lock()
	if j.role == hichain.HCAccessory && j.groupId == "" && j.reject == nil {
		c.bindPendingMember(j, data)
	}
	if err := j.handle.ReceiveData(data); err != nil {
		log.Warnf("[DEVICE_AUTH] 会话 %d 处理PAKE消息失败: %v", sessionId, err)
	}
	done := j.finished
	j.mu.Unlock()

	if done && j.role == hichain.HCController {
		c.takeJoin(sessionId)
		c.transport.CloseSession(sessionId)
	}
}

// OnSessionClosed 实现 softbus.ISessionListener
func (c *HiChainConnector) OnSessionClosed(sessionId int) {
	j := c.takeJoin(sessionId)
	if j == nil {
		return
	}
	j.mu.Lock()
	done := j.finished
	j.mu.Unlock()
	if !done {
		log.Warnf("[DEVICE_AUTH] 组加入会话 %d 在完成前关闭", sessionId)
		c.finishJoin(j, HC_ERR)
	}
}

// bindPendingMember 拥有方收到PAKE_REQUEST时确认组存在，并把对端标记为pending
func (c *HiChainConnector) bindPendingMember(j *joinSession, data []byte) {
	var peek struct {
		Message int    `json:"message"`
		GroupID string `json:"groupId"`
	}
	if err := json.Unmarshal(hichain.TrimPayload(data), &peek); err != nil || peek.Message != hichain.MsgTypePakeRequest {
		return
	}
	rec, err := c.store.GetGroup(peek.GroupID)
	if err != nil || rec.OwnerDeviceId != c.localDeviceId {
		j.reject = fmt.Errorf("%w: %s", ErrGroupNotFound, peek.GroupID)
		return
	}
	j.groupId, j.groupName = rec.GroupId, rec.GroupName
	if j.peerDeviceId != "" && !rec.IsJoined(j.peerDeviceId) {
		rec.upsertMember(j.peerDeviceId, MemberPending, c.now().Unix())
		if err := c.store.PutGroup(rec); err != nil {
			log.Errorf("[DEVICE_AUTH] 保存pending成员失败: %v", err)
		}
	}
}

func (c *HiChainConnector) hichainCallback(j *joinSession) *hichain.HCCallBack {
	return &hichain.HCCallBack{
		OnTransmit: func(identity *hichain.SessionIdentity, data []byte) error {
			return c.transport.SendBytes(j.sessionId, data)
		},
		GetProtocolParams: func(identity *hichain.SessionIdentity, operationCode int32) (*hichain.ProtocolParams, error) {
			params := &hichain.ProtocolParams{
				KeyLength:  hichain.SessionKeyLength,
				SelfAuthID: c.localDeviceId,
				PeerAuthID: j.peerDeviceId,
				GroupID:    j.groupId,
				GroupName:  j.groupName,
			}
			if j.role == hichain.HCController {
				params.PinCode = j.pin
				return params, nil
			}
			if j.reject != nil {
				return nil, j.reject
			}
			cb := c.getCallback()
			if cb == nil {
				return nil, ErrNoCallback
			}
			pin := cb.GetPinCode()
			if pin < 0 {
				return nil, fmt.Errorf("本机拒绝提供PIN")
			}
			params.PinCode = strconv.Itoa(int(pin))
			return params, nil
		},
		SetSessionKey: func(identity *hichain.SessionIdentity, key *hichain.SessionKey) error {
			j.sessionKey = append([]byte(nil), key.Key...)
			return nil
		},
		SetServiceResult: func(identity *hichain.SessionIdentity, result int32, peer *hichain.PeerAuthInfo) {
			j.finished = true
			status := result
			if result == hichain.HCOk {
				if err := c.commitMember(j, peer); err != nil {
					log.Errorf("[DEVICE_AUTH] 保存组成员失败: %v", err)
					status = HC_ERR
				} else if j.sessionKey != nil {
					if _, err := c.sessionKeys.SetSessionKey(peer.AuthID, j.sessionKey); err != nil {
						log.Warnf("[DEVICE_AUTH] 保存会话密钥失败: %v", err)
					}
				}
			} else {
				log.Warnf("[DEVICE_AUTH] 请求 %d PAKE失败: %d", j.requestId, result)
			}
			c.finishJoin(j, status)
		},
	}
}

// commitMember PAKE成功后更新本地组记录
func (c *HiChainConnector) commitMember(j *joinSession, peer *hichain.PeerAuthInfo) error {
	now := c.now().Unix()
	var rec *GroupRecord
	if j.role == hichain.HCController {
		rec = &GroupRecord{
			GroupName:       j.groupName,
			GroupId:         j.groupId,
			GroupOwner:      c.ownerPkg,
			GroupType:       PeerToPeerGroup,
			GroupVisibility: GroupVisibilityPrivate,
			OwnerDeviceId:   peer.AuthID,
			CreatedAt:       now,
		}
		rec.upsertMember(peer.AuthID, MemberJoined, now)
		rec.upsertMember(c.localDeviceId, MemberJoined, now)
	} else {
		if peer.GroupID != j.groupId {
			return fmt.Errorf("组ID不一致: %s != %s", peer.GroupID, j.groupId)
		}
		var err error
		if rec, err = c.store.GetGroup(j.groupId); err != nil {
			return err
		}
		if j.peerDeviceId != "" && j.peerDeviceId != peer.AuthID {
			rec.removeMember(j.peerDeviceId)
		}
		rec.upsertMember(peer.AuthID, MemberJoined, now)
		j.peerDeviceId = peer.AuthID
	}
	if err := c.store.PutGroup(rec); err != nil {
		return err
	}
	log.Infof("[DEVICE_AUTH] 设备 %s 已加入组 %s", peer.AuthID, rec.GroupId)
	if l := c.getListener(); l != nil && l.OnDeviceBound != nil {
		info := rec.Info()
		l.OnDeviceBound(peer.AuthID, &info)
	}
	return nil
}

// finishJoin 每个加入会话只上报一次。加入方回调OnMemberJoin，拥有方失败时清理pending成员
func (c *HiChainConnector) finishJoin(j *joinSession, status int32) {
	j.once.Do(func() {
		if j.role == hichain.HCController {
			if cb := c.getCallback(); cb != nil {
				go cb.OnMemberJoin(j.requestId, status)
			}
			return
		}
		if status == HC_SUCCESS || j.groupId == "" || j.peerDeviceId == "" {
			return
		}
		rec, err := c.store.GetGroup(j.groupId)
		if err != nil {
			return
		}
		if m := rec.member(j.peerDeviceId); m != nil && m.State == MemberPending {
			rec.removeMember(j.peerDeviceId)
			_ = c.store.PutGroup(rec)
		}
	})
}
