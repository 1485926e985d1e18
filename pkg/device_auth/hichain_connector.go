package device_auth

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/junbin-yang/devicemanager-go/pkg/device_auth/hichain"
	"github.com/junbin-yang/devicemanager-go/pkg/softbus"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/crypto"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// SessionTransport 组加入PAKE使用的软总线能力，*softbus.SessionManager 满足该接口
type SessionTransport interface {
	CreateSessionServer(sessionName string, listener softbus.ISessionListener) error
	RemoveSessionServer(sessionName string) error
	OpenSessionByAddr(sessionName, addr string) (int, error)
	SendBytes(sessionID int, data []byte) error
	CloseSession(sessionID int)
	GetPeerDeviceId(sessionID int) (string, error)
}

type ConnectorOption struct {
	LocalDeviceId string
	OwnerPkg      string           // DM自身的包名，也是有效组的拥有者
	Store         GroupStore       // 为空时使用内存存储
	KeyStore      hichain.KeyStore // 为空时若Store实现了KeyStore则复用，否则使用内存存储
	Transport     SessionTransport
}

// HiChainConnector 可信组连接器：组的创建、查询、删除，以及基于PIN的成员加入
type HiChainConnector struct {
	mu            sync.Mutex
	localDeviceId string
	ownerPkg      string
	store         GroupStore
	keys          hichain.KeyStore
	transport     SessionTransport
	callback      HiChainConnectorCallback
	listener      *DataChangeListener
	joins         map[int]*joinSession // 软总线会话ID -> 加入会话
	sessionKeys   *SessionKeyManager
	started       bool
	now           func() time.Time
}

func NewHiChainConnector(opt ConnectorOption) *HiChainConnector {
	store := opt.Store
	if store == nil {
		store = NewMemoryGroupStore()
	}
	keys := opt.KeyStore
	if keys == nil {
		if ks, ok := store.(hichain.KeyStore); ok {
			keys = ks
		} else {
			keys = hichain.NewMemoryKeyStore()
		}
	}
	return &HiChainConnector{
		localDeviceId: opt.LocalDeviceId,
		ownerPkg:      opt.OwnerPkg,
		store:         store,
		keys:          keys,
		transport:     opt.Transport,
		joins:         make(map[int]*joinSession),
		sessionKeys:   NewSessionKeyManager(),
		now:           time.Now,
	}
}

// Start 注册组加入会话服务
func (c *HiChainConnector) Start() error {
	if c.transport == nil {
		return ErrTransportAbsent
	}
	if err := c.transport.CreateSessionServer(HiChainSessionName, c); err != nil {
		return fmt.Errorf("注册HiChain会话服务失败: %w", err)
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	log.Infof("[DEVICE_AUTH] HiChain连接器已启动，本机 %s", c.localDeviceId)
	return nil
}

// Stop 关闭所有进行中的加入会话，进行中的请求按失败上报
func (c *HiChainConnector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	joins := c.joins
	c.joins = make(map[int]*joinSession)
	c.mu.Unlock()

	_ = c.transport.RemoveSessionServer(HiChainSessionName)
	for id, j := range joins {
		c.transport.CloseSession(id)
		c.finishJoin(j, HC_ERR)
	}
	log.Infof("[DEVICE_AUTH] HiChain连接器已停止")
}

func (c *HiChainConnector) RegisterHiChainCallback(cb HiChainConnectorCallback) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

func (c *HiChainConnector) UnRegisterHiChainCallback() {
	c.mu.Lock()
	c.callback = nil
	c.mu.Unlock()
}

func (c *HiChainConnector) RegDataChangeListener(listener *DataChangeListener) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

// SessionKeys 组加入成功后与对端协商出的会话密钥
func (c *HiChainConnector) SessionKeys() *SessionKeyManager { return c.sessionKeys }

func (c *HiChainConnector) getCallback() HiChainConnectorCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback
}

func (c *HiChainConnector) getListener() *DataChangeListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// GroupIdOf 组ID = SHA256(groupName + owner)
func GroupIdOf(groupName, owner string) string {
	return crypto.Sha256Hex(groupName, owner)
}

// CreateGroup 创建P2P私有组，同名组先删除。结果通过OnGroupCreated异步返回
func (c *HiChainConnector) CreateGroup(requestId int64, groupName string) error {
	if groupName == "" {
		return ErrInvalidParams
	}
	cb := c.getCallback()
	if cb == nil {
		return ErrNoCallback
	}

	existing, err := c.GetGroupInfo(&GroupQuery{GroupName: groupName})
	if err == nil {
		for _, g := range existing {
			log.Infof("[DEVICE_AUTH] 删除同名组 %s (%s)", g.GroupName, g.GroupId)
			_ = c.DeleteGroup(g.GroupId)
		}
	}

	now := c.now().Unix()
	rec := &GroupRecord{
		GroupName:       groupName,
		GroupId:         GroupIdOf(groupName, c.ownerPkg),
		GroupOwner:      c.ownerPkg,
		GroupType:       PeerToPeerGroup,
		GroupVisibility: GroupVisibilityPrivate,
		OwnerDeviceId:   c.localDeviceId,
		CreatedAt:       now,
	}
	rec.upsertMember(c.localDeviceId, MemberJoined, now)

	result := "{}"
	if err := c.store.PutGroup(rec); err != nil {
		log.Errorf("[DEVICE_AUTH] 创建组 %s 失败: %v", groupName, err)
	} else {
		data, _ := json.Marshal(map[string]string{FieldGroupId: rec.GroupId})
		result = string(data)
		log.Infof("[DEVICE_AUTH] 创建组 %s 成功，groupId=%s", groupName, rec.GroupId)
		c.notifyGroupCreated(rec)
	}
	go cb.OnGroupCreated(requestId, result)
	return nil
}

func (c *HiChainConnector) notifyGroupCreated(rec *GroupRecord) {
	if l := c.getListener(); l != nil && l.OnGroupCreated != nil {
		info := rec.Info()
		l.OnGroupCreated(&info)
	}
}

// GetGroupInfo 按条件查询组
func (c *HiChainConnector) GetGroupInfo(query *GroupQuery) ([]GroupInfo, error) {
	if query == nil {
		query = &GroupQuery{}
	}
	recs, err := c.store.ListGroups()
	if err != nil {
		return nil, err
	}
	var out []GroupInfo
	for _, r := range recs {
		if query.match(r) {
			out = append(out, r.Info())
		}
	}
	return out, nil
}

// isValidGroup 有效组：拥有者为DM，且不是同账号组或公开组
func (c *HiChainConnector) isValidGroup(r *GroupRecord) bool {
	return r.GroupOwner == c.ownerPkg &&
		r.GroupType != IdenticalAccountGroup &&
		r.GroupVisibility != GroupVisibilityPublic
}

// GetRelatedGroups 返回设备作为已加入成员的有效组
func (c *HiChainConnector) GetRelatedGroups(deviceId string) ([]GroupInfo, error) {
	if deviceId == "" {
		return nil, ErrInvalidParams
	}
	recs, err := c.store.ListGroups()
	if err != nil {
		return nil, err
	}
	var out []GroupInfo
	for _, r := range recs {
		if c.isValidGroup(r) && r.IsJoined(deviceId) {
			out = append(out, r.Info())
		}
	}
	return out, nil
}

// IsDevicesInGroup 两台设备是否同在某个有效组中
func (c *HiChainConnector) IsDevicesInGroup(hostDeviceId, peerDeviceId string) bool {
	recs, err := c.store.ListGroups()
	if err != nil {
		log.Errorf("[DEVICE_AUTH] 查询组失败: %v", err)
		return false
	}
	for _, r := range recs {
		if c.isValidGroup(r) && r.IsJoined(hostDeviceId) && r.IsJoined(peerDeviceId) {
			return true
		}
	}
	return false
}

func (c *HiChainConnector) DeleteGroup(groupId string) error {
	rec, err := c.store.GetGroup(groupId)
	if err != nil {
		return err
	}
	if err := c.store.DeleteGroup(groupId); err != nil {
		return err
	}
	log.Infof("[DEVICE_AUTH] 删除组 %s", groupId)
	if l := c.getListener(); l != nil {
		info := rec.Info()
		if l.OnGroupDeleted != nil {
			l.OnGroupDeleted(&info)
		}
		for _, m := range rec.Members {
			if m.DeviceId != c.localDeviceId {
				c.notifyUntrusted(l, m.DeviceId)
			}
		}
	}
	return nil
}

func (c *HiChainConnector) DeleteMember(groupId, deviceId string) error {
	rec, err := c.store.GetGroup(groupId)
	if err != nil {
		return err
	}
	if !rec.removeMember(deviceId) {
		return ErrMemberNotFound
	}
	if err := c.store.PutGroup(rec); err != nil {
		return err
	}
	_ = c.keys.DeletePeerKey(deviceId)
	log.Infof("[DEVICE_AUTH] 从组 %s 删除成员 %s", groupId, deviceId)
	if l := c.getListener(); l != nil {
		if l.OnDeviceUnBound != nil {
			info := rec.Info()
			l.OnDeviceUnBound(deviceId, &info)
		}
		c.notifyUntrusted(l, deviceId)
	}
	return nil
}

// notifyUntrusted 设备不再属于任何组时通知
func (c *HiChainConnector) notifyUntrusted(l *DataChangeListener, deviceId string) {
	if l.OnDeviceNotTrusted == nil {
		return
	}
	if groups, err := c.GetRelatedGroups(deviceId); err == nil && len(groups) == 0 {
		l.OnDeviceNotTrusted(deviceId)
	}
}

// DeleteTimedOutGroup 对端离线超时：清理其未完成的加入，删除只剩拥有者的P2P组
func (c *HiChainConnector) DeleteTimedOutGroup(peerDeviceId string) error {
	recs, err := c.store.ListGroups()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if !r.IsJoined(c.localDeviceId) {
			continue
		}
		m := r.member(peerDeviceId)
		if m == nil || m.State != MemberPending {
			continue
		}
		r.removeMember(peerDeviceId)
		c.sessionKeys.RemoveAllSessionKeys(peerDeviceId)
		if r.GroupType == PeerToPeerGroup && len(r.Members) == 1 {
			log.Infof("[DEVICE_AUTH] 对端 %s 超时未加入，删除组 %s", peerDeviceId, r.GroupId)
			if err := c.DeleteGroup(r.GroupId); err != nil {
				log.Warnf("[DEVICE_AUTH] 删除超时组失败: %v", err)
			}
			continue
		}
		if err := c.store.PutGroup(r); err != nil {
			return err
		}
	}
	return nil
}

// SyncGroups 删除与对端共享、但不在对端组列表中的本地有效组
func (c *HiChainConnector) SyncGroups(peerDeviceId string, remoteGroupIds []string) error {
	remote := make(map[string]struct{}, len(remoteGroupIds))
	for _, id := range remoteGroupIds {
		remote[id] = struct{}{}
	}
	groups, err := c.GetRelatedGroups(peerDeviceId)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if _, ok := remote[g.GroupId]; ok {
			continue
		}
		log.Infof("[DEVICE_AUTH] 同步删除组 %s", g.GroupId)
		if err := c.DeleteGroup(g.GroupId); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAllGroups 删除所有有效组
func (c *HiChainConnector) DeleteAllGroups() {
	recs, err := c.store.ListGroups()
	if err != nil {
		return
	}
	for _, r := range recs {
		if c.isValidGroup(r) {
			_ = c.DeleteGroup(r.GroupId)
		}
	}
}
