package bus_center

import (
	"sort"
	"sync"
	"time"
)

// NetLedger 网络账本，按网络ID管理节点，并维护设备ID索引
type NetLedger struct {
	mu       sync.RWMutex
	nodes    map[string]*NodeInfo // key: NetworkID
	byDevice map[string]string    // DeviceID -> NetworkID
}

// NewNetLedger 创建网络账本
func NewNetLedger() *NetLedger {
	return &NetLedger{
		nodes:    make(map[string]*NodeInfo),
		byDevice: make(map[string]string),
	}
}

// AddNode 添加或覆盖节点，账本保存副本
func (nl *NetLedger) AddNode(node *NodeInfo) {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	if old, ok := nl.nodes[node.NetworkID]; ok && old.DeviceID != node.DeviceID {
		delete(nl.byDevice, old.DeviceID)
	}
	n := *node
	nl.nodes[n.NetworkID] = &n
	if n.DeviceID != "" {
		nl.byDevice[n.DeviceID] = n.NetworkID
	}
}

// RemoveNode 移除节点
func (nl *NetLedger) RemoveNode(networkID string) {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	if node, ok := nl.nodes[networkID]; ok {
		delete(nl.byDevice, node.DeviceID)
		delete(nl.nodes, networkID)
	}
}

// GetNode 获取节点信息副本，不存在时返回nil
func (nl *NetLedger) GetNode(networkID string) *NodeInfo {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	return cloneNode(nl.nodes[networkID])
}

// GetNodeByDeviceID 通过设备ID查找节点
func (nl *NetLedger) GetNodeByDeviceID(deviceID string) *NodeInfo {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	return cloneNode(nl.nodes[nl.byDevice[deviceID]])
}

// ResolveDeviceID 将网络ID或设备ID解析为设备ID。账本中没有记录时原样返回
func (nl *NetLedger) ResolveDeviceID(id string) string {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	if node, ok := nl.nodes[id]; ok && node.DeviceID != "" {
		return node.DeviceID
	}
	return id
}

// GetAllNodes 获取所有节点，按网络ID排序
func (nl *NetLedger) GetAllNodes() []*NodeInfo {
	return nl.filter(func(*NodeInfo) bool { return true })
}

// GetOnlineNodes 获取在线节点
func (nl *NetLedger) GetOnlineNodes() []*NodeInfo {
	return nl.filter(func(n *NodeInfo) bool { return n.Status == StatusOnline })
}

// UpdateNodeStatus 更新节点状态，返回更新后的副本
func (nl *NetLedger) UpdateNodeStatus(networkID string, status NodeStatus) *NodeInfo {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	node, ok := nl.nodes[networkID]
	if !ok {
		return nil
	}
	node.Status = status
	node.LastSeen = time.Now()
	return cloneNode(node)
}

func (nl *NetLedger) filter(keep func(*NodeInfo) bool) []*NodeInfo {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	nodes := make([]*NodeInfo, 0, len(nl.nodes))
	for _, node := range nl.nodes {
		if keep(node) {
			nodes = append(nodes, cloneNode(node))
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NetworkID < nodes[j].NetworkID })
	return nodes
}

func cloneNode(node *NodeInfo) *NodeInfo {
	if node == nil {
		return nil
	}
	n := *node
	return &n
}
