package bus_center

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/junbin-yang/devicemanager-go/pkg/discovery"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
	"github.com/junbin-yang/devicemanager-go/pkg/utils/timer"
)

// DefaultOfflineTimeout 设备下线后等待重新上线的默认时长
const DefaultOfflineTimeout = 300 * time.Second

const offlinePhasePrefix = "offline:"

// LocalDeviceInfo 本地设备信息
type LocalDeviceInfo struct {
	UDID       string
	DeviceName string
	DeviceType string
	AuthPort   int
}

// BusCenter 总线中心，统一管理组网
type BusCenter struct {
	ledger         *NetLedger
	netBuilder     *NetBuilder
	offlineTimers  *timer.TimerMap
	offlineTimeout time.Duration

	mu             sync.RWMutex
	localDevInfo   *LocalDeviceInfo
	offlineHandler OfflineHandler
	started        bool
}

// NewBusCenter 创建总线中心，offlineTimeout<=0时使用默认值
func NewBusCenter(offlineTimeout time.Duration) *BusCenter {
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	ledger := NewNetLedger()
	return &BusCenter{
		ledger:         ledger,
		netBuilder:     NewNetBuilder(ledger),
		offlineTimers:  timer.NewTimerMap(),
		offlineTimeout: offlineTimeout,
	}
}

// NetworkIDOf 由设备ID派生稳定的网络ID
func NetworkIDOf(deviceId string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(deviceId)).String()
}

// Start 启动总线中心
func (bc *BusCenter) Start() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.started {
		return ErrAlreadyStarted
	}
	bc.started = true
	log.Info("[BUS_CENTER] 总线中心已启动")
	return nil
}

// Stop 停止总线中心并取消所有下线定时器
func (bc *BusCenter) Stop() error {
	bc.mu.Lock()
	if !bc.started {
		bc.mu.Unlock()
		return ErrNotStarted
	}
	bc.started = false
	bc.mu.Unlock()

	bc.offlineTimers.DeleteAll()
	log.Info("[BUS_CENTER] 总线中心已停止")
	return nil
}

func (bc *BusCenter) isStarted() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.started
}

// RegisterEventCallback 注册事件回调
func (bc *BusCenter) RegisterEventCallback(callback LNNEventCallback) {
	bc.netBuilder.RegisterCallback(callback)
}

// SetOfflineHandler 设置下线超时处理函数
func (bc *BusCenter) SetOfflineHandler(handler OfflineHandler) {
	bc.mu.Lock()
	bc.offlineHandler = handler
	bc.mu.Unlock()
}

// SetLocalDeviceInfo 设置本地设备信息
func (bc *BusCenter) SetLocalDeviceInfo(info *LocalDeviceInfo) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.localDevInfo = info
}

// GetLocalDeviceInfo 获取本地设备信息
func (bc *BusCenter) GetLocalDeviceInfo() *LocalDeviceInfo {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.localDevInfo == nil {
		return nil
	}
	info := *bc.localDevInfo
	return &info
}

// UpdateAuthPort 更新认证端口
func (bc *BusCenter) UpdateAuthPort(port int) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.localDevInfo != nil {
		bc.localDevInfo.AuthPort = port
	}
}

// JoinLNN 认证成功后将对端设备加入逻辑网络，cb异步收到网络ID
func (bc *BusCenter) JoinLNN(node *NodeInfo, callback JoinLNNCallback) error {
	if node == nil || node.DeviceID == "" {
		return ErrInvalidNode
	}
	if !bc.isStarted() {
		return ErrNotStarted
	}
	n := *node
	if n.NetworkID == "" {
		n.NetworkID = NetworkIDOf(n.DeviceID)
	}
	bc.offlineTimers.DeleteTimer(offlinePhasePrefix + n.DeviceID)
	if err := bc.netBuilder.NotifyNodeOnline(&n); err != nil {
		return err
	}
	if callback != nil {
		go callback(n.NetworkID, 0)
	}
	return nil
}

// LeaveLNN 离开局域网络
func (bc *BusCenter) LeaveLNN(networkId string, callback LeaveLNNCallback) error {
	if err := bc.netBuilder.NotifyNodeOffline(networkId); err != nil {
		return err
	}
	bc.ledger.RemoveNode(networkId)
	if callback != nil {
		go callback(networkId, 0)
	}
	return nil
}

// GetNodeInfo 获取节点信息
func (bc *BusCenter) GetNodeInfo(networkID string) *NodeInfo {
	return bc.ledger.GetNode(networkID)
}

// GetNodeByDeviceID 通过设备ID获取节点信息
func (bc *BusCenter) GetNodeByDeviceID(deviceID string) *NodeInfo {
	return bc.ledger.GetNodeByDeviceID(deviceID)
}

// ResolveDeviceID 见NetLedger.ResolveDeviceID
func (bc *BusCenter) ResolveDeviceID(id string) string {
	return bc.ledger.ResolveDeviceID(id)
}

// GetAllNodes 获取所有节点
func (bc *BusCenter) GetAllNodes() []*NodeInfo {
	return bc.ledger.GetAllNodes()
}

// GetOnlineNodes 获取在线节点
func (bc *BusCenter) GetOnlineNodes() []*NodeInfo {
	return bc.ledger.GetOnlineNodes()
}

// IsOfflineTimerArmed 设备是否处于下线等待中
func (bc *BusCenter) IsOfflineTimerArmed(deviceId string) bool {
	return bc.offlineTimers.IsArmed(offlinePhasePrefix + deviceId)
}

// OnDeviceOnline 发现模块通知设备上线，取消该设备的下线定时器
func (bc *BusCenter) OnDeviceOnline(info discovery.DeviceInfo) {
	bc.offlineTimers.DeleteTimer(offlinePhasePrefix + info.DeviceId)
	node := bc.ledger.GetNodeByDeviceID(info.DeviceId)
	if node == nil || node.Status == StatusOnline {
		return
	}
	node.ConnectAddr = info.ConnectAddr()
	if err := bc.netBuilder.NotifyNodeOnline(node); err != nil {
		log.Warnf("[BUS_CENTER] 节点恢复上线失败: %v", err)
	}
}

// OnDeviceOffline 发现模块通知设备下线，启动下线定时器
func (bc *BusCenter) OnDeviceOffline(info discovery.DeviceInfo) {
	deviceId := info.DeviceId
	if node := bc.ledger.GetNodeByDeviceID(deviceId); node != nil {
		if err := bc.netBuilder.NotifyNodeOffline(node.NetworkID); err != nil {
			log.Warnf("[BUS_CENTER] 节点下线失败: %v", err)
		}
	}
	if !bc.isStarted() {
		return
	}
	err := bc.offlineTimers.StartTimer(offlinePhasePrefix+deviceId, bc.offlineTimeout, func(string, interface{}) {
		bc.onOfflineTimeout(deviceId)
	})
	if err != nil && err != timer.ErrTimerExists {
		log.Errorf("[BUS_CENTER] 启动下线定时器失败: %s, %v", deviceId, err)
	}
}

func (bc *BusCenter) onOfflineTimeout(deviceId string) {
	log.Infof("[BUS_CENTER] 设备下线超时: %s", deviceId)
	if node := bc.ledger.GetNodeByDeviceID(deviceId); node != nil && node.Status == StatusOffline {
		bc.ledger.RemoveNode(node.NetworkID)
	}
	bc.mu.RLock()
	handler := bc.offlineHandler
	bc.mu.RUnlock()
	if handler != nil {
		handler(deviceId)
	}
}
