package bus_center

import (
	"errors"
	"time"
)

var (
	ErrNodeNotFound   = errors.New("node not found")
	ErrInvalidNode    = errors.New("invalid node info")
	ErrNotStarted     = errors.New("bus center not started")
	ErrAlreadyStarted = errors.New("bus center already started")
)

// NodeStatus 节点状态
type NodeStatus int

const (
	StatusOffline NodeStatus = iota
	StatusOnline
)

func (s NodeStatus) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

// NodeInfo 已组网的设备节点
type NodeInfo struct {
	NetworkID   string
	DeviceID    string
	DeviceName  string
	DeviceType  int
	Status      NodeStatus
	ConnectAddr string
	GroupID     string
	JoinTime    time.Time
	LastSeen    time.Time
}

// LNNEvent LNN事件类型
type LNNEvent int

const (
	EventNodeOnline LNNEvent = iota
	EventNodeOffline
	EventNodeInfoChanged
)

// LNNEventCallback LNN事件回调，节点为副本
type LNNEventCallback func(event LNNEvent, nodeInfo *NodeInfo)

// JoinLNNCallback 加入LNN回调
type JoinLNNCallback func(networkId string, retCode int32)

// LeaveLNNCallback 离开LNN回调
type LeaveLNNCallback func(networkId string, retCode int32)

// OfflineHandler 设备下线超时后调用，参数为设备ID
type OfflineHandler func(deviceId string)
