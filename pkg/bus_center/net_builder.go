package bus_center

import (
	"fmt"
	"sync"
	"time"

	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// NetBuilder 网络构建器，处理设备加入/退出
type NetBuilder struct {
	ledger *NetLedger

	mu        sync.RWMutex
	callbacks []LNNEventCallback
}

// NewNetBuilder 创建网络构建器
func NewNetBuilder(ledger *NetLedger) *NetBuilder {
	return &NetBuilder{
		ledger:    ledger,
		callbacks: make([]LNNEventCallback, 0),
	}
}

// RegisterCallback 注册事件回调
func (nb *NetBuilder) RegisterCallback(callback LNNEventCallback) {
	nb.mu.Lock()
	nb.callbacks = append(nb.callbacks, callback)
	nb.mu.Unlock()
}

// NotifyNodeOnline 节点上线。同一设备已有记录时沿用原加入时间
func (nb *NetBuilder) NotifyNodeOnline(node *NodeInfo) error {
	if node == nil || node.NetworkID == "" {
		return ErrInvalidNode
	}
	now := time.Now()
	event := EventNodeOnline
	if old := nb.ledger.GetNode(node.NetworkID); old != nil {
		node.JoinTime = old.JoinTime
		if old.Status == StatusOnline {
			event = EventNodeInfoChanged
		}
	} else {
		node.JoinTime = now
	}
	node.Status = StatusOnline
	node.LastSeen = now

	nb.ledger.AddNode(node)
	log.Infof("[BUS_CENTER] 节点上线: networkId=%s, deviceId=%s", node.NetworkID, node.DeviceID)
	nb.triggerEvent(event, node)
	return nil
}

// NotifyNodeOffline 节点下线
func (nb *NetBuilder) NotifyNodeOffline(networkID string) error {
	node := nb.ledger.UpdateNodeStatus(networkID, StatusOffline)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, networkID)
	}
	log.Infof("[BUS_CENTER] 节点下线: networkId=%s", networkID)
	nb.triggerEvent(EventNodeOffline, node)
	return nil
}

// triggerEvent 异步触发事件，每个回调拿到独立副本
func (nb *NetBuilder) triggerEvent(event LNNEvent, node *NodeInfo) {
	nb.mu.RLock()
	callbacks := append([]LNNEventCallback(nil), nb.callbacks...)
	nb.mu.RUnlock()
	for _, callback := range callbacks {
		go callback(event, cloneNode(node))
	}
}
