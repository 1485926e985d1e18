package softbus

import (
	"sort"
	"sync"

	"github.com/junbin-yang/devicemanager-go/pkg/discovery"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// DmSessionName 设备认证使用的会话名
const DmSessionName = "ohos.distributedhardware.devicemanager.resident"

// SoftbusConnector 给认证模块提供的传输适配层
type SoftbusConnector struct {
	mgr   *SessionManager
	cache *discovery.DeviceCache

	mu             sync.RWMutex
	stateCallbacks map[string]discovery.DeviceStateListener
}

// NewSoftbusConnector 创建连接器并接管cache的上下线通知
func NewSoftbusConnector(mgr *SessionManager, cache *discovery.DeviceCache) *SoftbusConnector {
	c := &SoftbusConnector{
		mgr:            mgr,
		cache:          cache,
		stateCallbacks: make(map[string]discovery.DeviceStateListener),
	}
	cache.SetListener(c)
	return c
}

func (c *SoftbusConnector) SessionManager() *SessionManager { return c.mgr }

// RegisterSoftbusStateCallback 按包名注册设备上下线回调
func (c *SoftbusConnector) RegisterSoftbusStateCallback(pkgName string, cb discovery.DeviceStateListener) {
	c.mu.Lock()
	c.stateCallbacks[pkgName] = cb
	c.mu.Unlock()
}

func (c *SoftbusConnector) UnRegisterSoftbusStateCallback(pkgName string) {
	c.mu.Lock()
	delete(c.stateCallbacks, pkgName)
	c.mu.Unlock()
}

// RegisterSessionCallback 注册认证会话监听器
func (c *SoftbusConnector) RegisterSessionCallback(listener ISessionListener) error {
	return c.mgr.CreateSessionServer(DmSessionName, listener)
}

func (c *SoftbusConnector) UnRegisterSessionCallback() error {
	return c.mgr.RemoveSessionServer(DmSessionName)
}

// OpenAuthSession 打开到对端设备的认证会话
func (c *SoftbusConnector) OpenAuthSession(deviceId string) (int, error) {
	id, err := c.mgr.OpenSession(DmSessionName, deviceId)
	if err != nil {
		log.Errorf("[SOFTBUS] 打开认证会话失败: %s, %v", deviceId, err)
		return -1, err
	}
	return id, nil
}

func (c *SoftbusConnector) CloseAuthSession(sessionId int) {
	c.mgr.CloseSession(sessionId)
}

func (c *SoftbusConnector) SendData(sessionId int, data []byte) error {
	return c.mgr.SendBytes(sessionId, data)
}

func (c *SoftbusConnector) GetPeerDeviceId(sessionId int) (string, error) {
	return c.mgr.GetPeerDeviceId(sessionId)
}

func (c *SoftbusConnector) IsDeviceOnline(deviceId string) bool {
	return c.cache.IsOnline(deviceId)
}

func (c *SoftbusConnector) GetConnectAddr(deviceId string) (string, error) {
	return c.cache.GetConnectAddr(deviceId)
}

func (c *SoftbusConnector) GetLocalDeviceId() string {
	return c.mgr.LocalDeviceID()
}

func (c *SoftbusConnector) OnDeviceOnline(info discovery.DeviceInfo) {
	for _, cb := range c.callbacks() {
		cb.OnDeviceOnline(info)
	}
}

func (c *SoftbusConnector) OnDeviceOffline(info discovery.DeviceInfo) {
	for _, cb := range c.callbacks() {
		cb.OnDeviceOffline(info)
	}
}

func (c *SoftbusConnector) callbacks() []discovery.DeviceStateListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.stateCallbacks))
	for name := range c.stateCallbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	cbs := make([]discovery.DeviceStateListener, 0, len(names))
	for _, name := range names {
		cbs = append(cbs, c.stateCallbacks[name])
	}
	return cbs
}
