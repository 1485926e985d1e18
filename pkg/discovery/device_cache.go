package discovery

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoConnectAddr  = errors.New("device has no connect address")
)

// DeviceInfo 发现到的设备
type DeviceInfo struct {
	DeviceId   string
	DeviceName string
	DeviceType DeviceType
	Version    string
	IP         string
	AuthPort   int
	LastSeen   time.Time
}

// ConnectAddr 返回 ip:port 形式的连接地址
func (d *DeviceInfo) ConnectAddr() string {
	if d.IP == "" || d.AuthPort <= 0 {
		return ""
	}
	return net.JoinHostPort(d.IP, strconv.Itoa(d.AuthPort))
}

// DeviceStateListener 设备上下线通知，回调不持有缓存锁
type DeviceStateListener interface {
	OnDeviceOnline(info DeviceInfo)
	OnDeviceOffline(info DeviceInfo)
}

// DeviceCache 带过期时间的设备缓存
type DeviceCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	devices  map[string]DeviceInfo
	listener DeviceStateListener
}

func NewDeviceCache(ttl time.Duration) *DeviceCache {
	return &DeviceCache{
		ttl:     ttl,
		now:     time.Now,
		devices: make(map[string]DeviceInfo),
	}
}

// SetClock 替换时间来源，仅用于测试
func (c *DeviceCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *DeviceCache) SetListener(l DeviceStateListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Update 刷新设备信息，新设备触发上线通知
func (c *DeviceCache) Update(info DeviceInfo) {
	if info.DeviceId == "" {
		return
	}
	c.mu.Lock()
	info.LastSeen = c.now()
	old, existed := c.devices[info.DeviceId]
	fresh := existed && !c.expiredLocked(old)
	c.devices[info.DeviceId] = info
	l := c.listener
	c.mu.Unlock()

	if !fresh {
		log.Infof("[DISCOVERY] 设备上线: %s(%s) %s", info.DeviceName, info.DeviceId, info.ConnectAddr())
		if l != nil {
			l.OnDeviceOnline(info)
		}
	}
}

// Get 返回未过期的设备信息
func (c *DeviceCache) Get(deviceId string) (DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.devices[deviceId]
	if !ok || c.expiredLocked(info) {
		return DeviceInfo{}, false
	}
	return info, true
}

func (c *DeviceCache) IsOnline(deviceId string) bool {
	_, ok := c.Get(deviceId)
	return ok
}

// GetConnectAddr 解析设备的连接地址
func (c *DeviceCache) GetConnectAddr(deviceId string) (string, error) {
	info, ok := c.Get(deviceId)
	if !ok {
		return "", ErrDeviceNotFound
	}
	addr := info.ConnectAddr()
	if addr == "" {
		return "", ErrNoConnectAddr
	}
	return addr, nil
}

// Remove 删除设备并触发下线通知
func (c *DeviceCache) Remove(deviceId string) {
	c.mu.Lock()
	info, ok := c.devices[deviceId]
	delete(c.devices, deviceId)
	l := c.listener
	c.mu.Unlock()
	if ok && l != nil {
		l.OnDeviceOffline(info)
	}
}

// List 返回所有在线设备，按设备ID排序
func (c *DeviceCache) List() []DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]DeviceInfo, 0, len(c.devices))
	for _, info := range c.devices {
		if !c.expiredLocked(info) {
			list = append(list, info)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DeviceId < list[j].DeviceId })
	return list
}

// Sweep 清理过期设备并逐个触发下线通知
func (c *DeviceCache) Sweep() []DeviceInfo {
	c.mu.Lock()
	var expired []DeviceInfo
	for id, info := range c.devices {
		if c.expiredLocked(info) {
			expired = append(expired, info)
			delete(c.devices, id)
		}
	}
	l := c.listener
	c.mu.Unlock()

	for _, info := range expired {
		log.Infof("[DISCOVERY] 设备下线: %s(%s)", info.DeviceName, info.DeviceId)
		if l != nil {
			l.OnDeviceOffline(info)
		}
	}
	return expired
}

func (c *DeviceCache) expiredLocked(info DeviceInfo) bool {
	return c.ttl > 0 && c.now().Sub(info.LastSeen) > c.ttl
}
