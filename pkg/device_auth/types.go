package device_auth

import "errors"

// GroupType 组类型
type GroupType int32

const (
	AllGroup                    GroupType = 0    // 所有组类型（用于查询）
	IdenticalAccountGroup       GroupType = 1    // 相同云账户组
	PeerToPeerGroup             GroupType = 256  // P2P绑定组
	AcrossAccountAuthorizeGroup GroupType = 1282 // 跨账户授权组
)

// GroupVisibility 组可见性类型
type GroupVisibility int32

const (
	GroupVisibilityPrivate GroupVisibility = 0  // 私有组
	GroupVisibilityPublic  GroupVisibility = -1 // 公开组
)

// GroupOperationCode 组操作代码
type GroupOperationCode int32

const (
	GroupCreate  GroupOperationCode = 0 // 组创建
	GroupDisband GroupOperationCode = 1 // 组销毁
	MemberInvite GroupOperationCode = 2 // 邀请对端设备加入本地可信组
	MemberJoin   GroupOperationCode = 3 // 加入对端可信组
	MemberDelete GroupOperationCode = 4 // 与对端设备解绑
)

// MemberState 组成员状态
type MemberState int32

const (
	MemberPending MemberState = 0 // PAKE进行中，尚未完成交换
	MemberJoined  MemberState = 1
)

// HiChain错误码
const (
	HC_SUCCESS            int32 = 0
	HC_ERR                int32 = -1
	HC_ERR_INVALID_PARAMS int32 = -2
)

// connectInfo 的JSON键
const (
	FieldDeviceId    = "DEVICEID"
	FieldPinCode     = "PIN_CODE"
	FieldGroupId     = "groupId"
	FieldGroupName   = "groupName"
	FieldRequestId   = "REQUEST_ID"
	FieldConnectAddr = "connectAddr"
)

// HiChainSessionName 组加入PAKE使用的软总线会话名
const HiChainSessionName = "ohos.distributedhardware.devicemanager.hichain"

var (
	ErrGroupNotFound   = errors.New("device_auth: group not found")
	ErrMemberNotFound  = errors.New("device_auth: member not found")
	ErrInvalidParams   = errors.New("device_auth: invalid params")
	ErrNoCallback      = errors.New("device_auth: callback not registered")
	ErrJoinInProgress  = errors.New("device_auth: join already in progress")
	ErrStoreClosed     = errors.New("device_auth: store closed")
	ErrNoConnectAddr   = errors.New("device_auth: connect address unavailable")
	ErrTransportAbsent = errors.New("device_auth: transport not attached")
)

// GroupInfo 可信组信息
type GroupInfo struct {
	GroupName       string          `json:"groupName"`
	GroupId         string          `json:"groupId"`
	GroupOwner      string          `json:"groupOwner"`
	GroupType       GroupType       `json:"groupType"`
	GroupVisibility GroupVisibility `json:"groupVisibility"`
}

// GroupMember 组成员
type GroupMember struct {
	DeviceId string      `cbor:"1,keyasint"`
	State    MemberState `cbor:"2,keyasint"`
	JoinedAt int64       `cbor:"3,keyasint,omitempty"` // unix秒
}

// GroupRecord 持久化的组记录
type GroupRecord struct {
	GroupName       string          `cbor:"1,keyasint"`
	GroupId         string          `cbor:"2,keyasint"`
	GroupOwner      string          `cbor:"3,keyasint"`
	GroupType       GroupType       `cbor:"4,keyasint"`
	GroupVisibility GroupVisibility `cbor:"5,keyasint"`
	OwnerDeviceId   string          `cbor:"6,keyasint"`
	Members         []GroupMember   `cbor:"7,keyasint,omitempty"`
	CreatedAt       int64           `cbor:"8,keyasint"`
}

func (r *GroupRecord) Info() GroupInfo {
	return GroupInfo{
		GroupName:       r.GroupName,
		GroupId:         r.GroupId,
		GroupOwner:      r.GroupOwner,
		GroupType:       r.GroupType,
		GroupVisibility: r.GroupVisibility,
	}
}

func (r *GroupRecord) member(deviceId string) *GroupMember {
	for i := range r.Members {
		if r.Members[i].DeviceId == deviceId {
			return &r.Members[i]
		}
	}
	return nil
}

// IsJoined 设备是否为已加入成员
func (r *GroupRecord) IsJoined(deviceId string) bool {
	m := r.member(deviceId)
	return m != nil && m.State == MemberJoined
}

func (r *GroupRecord) upsertMember(deviceId string, state MemberState, now int64) {
	if m := r.member(deviceId); m != nil {
		m.State = state
		if state == MemberJoined {
			m.JoinedAt = now
		}
		return
	}
	m := GroupMember{DeviceId: deviceId, State: state}
	if state == MemberJoined {
		m.JoinedAt = now
	}
	r.Members = append(r.Members, m)
}

func (r *GroupRecord) removeMember(deviceId string) bool {
	for i := range r.Members {
		if r.Members[i].DeviceId == deviceId {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			return true
		}
	}
	return false
}

// GroupQuery 组查询条件，空字段不参与匹配
type GroupQuery struct {
	GroupId    string
	GroupName  string
	GroupOwner string
	GroupType  GroupType // AllGroup 不过滤
}

func (q *GroupQuery) match(r *GroupRecord) bool {
	if q.GroupId != "" && q.GroupId != r.GroupId {
		return false
	}
	if q.GroupName != "" && q.GroupName != r.GroupName {
		return false
	}
	if q.GroupOwner != "" && q.GroupOwner != r.GroupOwner {
		return false
	}
	return q.GroupType == AllGroup || q.GroupType == r.GroupType
}

// HiChainConnectorCallback 组操作的回调对象，由认证管理模块实现
type HiChainConnectorCallback interface {
	// OnGroupCreated groupInfo为 {"groupId":"..."}，失败时为 "{}"
	OnGroupCreated(requestId int64, groupInfo string)
	// OnMemberJoin status为0表示加入成功
	OnMemberJoin(requestId int64, status int32)
	// GetConnectAddr 返回设备的连接地址（host:port）
	GetConnectAddr(deviceId string) (string, error)
	// GetPinCode 拥有方在对端发起加入时获取PIN，返回值小于0表示拒绝
	GetPinCode() int32
}

// DataChangeListener 监视可信组和设备变更
type DataChangeListener struct {
	OnGroupCreated     func(groupInfo *GroupInfo)
	OnGroupDeleted     func(groupInfo *GroupInfo)
	OnDeviceBound      func(peerUdid string, groupInfo *GroupInfo)
	OnDeviceUnBound    func(peerUdid string, groupInfo *GroupInfo)
	OnDeviceNotTrusted func(peerUdid string)
}
