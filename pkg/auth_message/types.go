package auth_message

import "errors"

// 消息类型
const (
	MsgTypeNegotiate         int32 = 80
	MsgTypeNegotiateResponse int32 = 90
	MsgTypeRequestAuth       int32 = 100
	MsgTypeReqAuthTerminate  int32 = 104
	MsgTypeResponseAuth      int32 = 200
	MsgTypeRespAuthTerminate int32 = 205
	MsgTypeChannelClosed     int32 = 300
	MsgTypeSyncGroup         int32 = 400
)

const (
	MsgVersion = "1.1"

	DefaultSliceSize = 45 * 1024  // 单条RequestAuth续片携带的缩略图字节数
	MaxIconSize      = 32 * 1024  // 应用图标上限
	MaxThumbnailSize = 153 * 1024 // 缩略图上限
)

// JSON键
const (
	TagVersion       = "ITF_VER"
	TagMsgType       = "MSG_TYPE"
	TagReply         = "REPLY"
	TagToken         = "TOKEN"
	TagVisibility    = "VISIBILITY"
	TagDeviceId      = "DEVICEID"
	TagLocalDeviceId = "LOCALDEVICEID"
	TagDeviceName    = "DEVICENAME"
	TagDeviceType    = "DEVICETYPE"
	TagAuthType      = "AUTHTYPE"
	TagCryptoSupport = "CRYPTOSUPPORT"
	TagCryptoName    = "CRYPTONAME"
	TagCryptoVer     = "CRYPTOVER"
	TagSlice         = "SLICE"
	TagIndex         = "INDEX"
	TagThumbnailSize = "THUMSIZE"
	TagAppThumbnail  = "APPTHUM"
	TagTarget        = "TARGET"
	TagHost          = "HOST"
	TagAppName       = "APPNAME"
	TagAppDesc       = "APPDESC"
	TagAppIcon       = "APPICON"
	TagNetId         = "NETID"
	TagGroupId       = "GROUPID"
	TagGroupName     = "GROUPNAME"
	TagRequestId     = "REQUESTID"
	TagAuthToken     = "AUTHTOKEN"
	TagGroupIds      = "GROUPIDS"
)

var (
	ErrMalformedMessage = errors.New("auth_message: malformed message")
	ErrNoContext        = errors.New("auth_message: context not set")
	ErrUnsupportedType  = errors.New("auth_message: cannot build message type")
)

// 以下结构与线上JSON一一对应。指针字段为必填项，解析后检查是否为nil

type header struct {
	Version *string `json:"ITF_VER,omitempty"`
	MsgType *int32  `json:"MSG_TYPE"`
}

// negotiateMessage 80 / 90
type negotiateMessage struct {
	header
	CryptoSupport bool    `json:"CRYPTOSUPPORT"`
	CryptoName    string  `json:"CRYPTONAME,omitempty"`
	CryptoVer     string  `json:"CRYPTOVER,omitempty"`
	DeviceId      *string `json:"DEVICEID"`
	LocalDeviceId *string `json:"LOCALDEVICEID"`
	AuthType      *int32  `json:"AUTHTYPE"`
	Reply         *int32  `json:"REPLY"`
}

// requestAuthMessage 100，INDEX为0的是头片，其余为缩略图续片
type requestAuthMessage struct {
	header
	Slice         *int32  `json:"SLICE"`
	Index         *int32  `json:"INDEX"`
	DeviceId      *string `json:"DEVICEID"`
	ThumbnailSize *int32  `json:"THUMSIZE"`
	AppThumbnail  []byte  `json:"APPTHUM,omitempty"`

	LocalDeviceId *string `json:"LOCALDEVICEID,omitempty"`
	AuthType      *int32  `json:"AUTHTYPE,omitempty"`
	DeviceName    string  `json:"DEVICENAME,omitempty"`
	DeviceType    int32   `json:"DEVICETYPE,omitempty"`
	Token         string  `json:"TOKEN,omitempty"`
	Visibility    *int32  `json:"VISIBILITY,omitempty"`
	Target        string  `json:"TARGET,omitempty"`
	Host          string  `json:"HOST,omitempty"`
	AppName       string  `json:"APPNAME,omitempty"`
	AppDesc       string  `json:"APPDESC,omitempty"`
	AppIcon       []byte  `json:"APPICON,omitempty"`

	// 仅在拒绝时出现
	Reply     *int32 `json:"REPLY,omitempty"`
	NetId     string `json:"NETID,omitempty"`
	GroupId   string `json:"GROUPID,omitempty"`
	GroupName string `json:"GROUPNAME,omitempty"`
	RequestId int64  `json:"REQUESTID,omitempty"`
}

// responseAuthMessage 200
type responseAuthMessage struct {
	header
	Reply         *int32  `json:"REPLY"`
	DeviceId      *string `json:"DEVICEID"`
	LocalDeviceId string  `json:"LOCALDEVICEID,omitempty"`
	Token         string  `json:"TOKEN,omitempty"`

	NetId     *string `json:"NETID,omitempty"`
	GroupId   *string `json:"GROUPID,omitempty"`
	GroupName *string `json:"GROUPNAME,omitempty"`
	RequestId *int64  `json:"REQUESTID,omitempty"`
	AuthToken *string `json:"AUTHTOKEN,omitempty"`
}

// terminateMessage 104 / 205
type terminateMessage struct {
	header
	Reply *int32 `json:"REPLY"`
}

// syncGroupMessage 400
type syncGroupMessage struct {
	header
	DeviceId      *string  `json:"DEVICEID"`
	LocalDeviceId string   `json:"LOCALDEVICEID,omitempty"`
	GroupIds      []string `json:"GROUPIDS"`
}

func ptr[T any](v T) *T { return &v }

func newHeader(msgType int32) header {
	return header{Version: ptr(MsgVersion), MsgType: ptr(msgType)}
}
