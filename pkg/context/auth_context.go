package context

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// 组可见性，与 device_auth.GroupVisibility 取值一致
const (
	VisibilityPrivate int32 = 0
	VisibilityPublic  int32 = -1
)

var ErrInvalidExtra = errors.New("context: invalid extra info")

// RequestContext 发起方的认证会话上下文
type RequestContext struct {
	AuthType        int32
	DeviceId        string // 对端设备ID
	LocalDeviceId   string
	DeviceName      string // 本机名称
	DeviceTypeId    int32
	SessionId       int
	GroupVisibility int32
	CryptoSupport   bool
	CryptoName      string
	CryptoVer       string
	HostPkgName     string
	TargetPkgName   string
	AppName         string
	AppDesc         string
	AppIcon         []byte
	AppThumbnail    []byte
	Token           string
	Reason          int32
	GroupList       []string
}

// Clone 深拷贝，上下文在认证管理器与状态之间按值传递
func (c *RequestContext) Clone() *RequestContext {
	if c == nil {
		return nil
	}
	n := *c
	n.AppIcon = append([]byte(nil), c.AppIcon...)
	n.AppThumbnail = append([]byte(nil), c.AppThumbnail...)
	n.GroupList = append([]string(nil), c.GroupList...)
	return &n
}

// ResponseContext 接收方的认证会话上下文，发起方也用它暂存解析出的对端消息
type ResponseContext struct {
	MsgType         int32
	Reply           int32
	AuthType        int32
	DeviceId        string // 对端设备ID
	LocalDeviceId   string
	DeviceName      string // 对端名称
	DeviceTypeId    int32
	GroupVisibility int32
	CryptoSupport   bool
	CryptoName      string
	CryptoVer       string
	HostPkgName     string
	TargetPkgName   string
	AppName         string
	AppDesc         string
	AppIcon         []byte
	AppThumbnail    []byte
	Token           string
	NetworkId       string
	GroupId         string
	GroupName       string
	AuthToken       string // AuthToken的JSON
	PageId          int32
	Code            int32 // PIN
	RequestId       int64
	GroupList       []string
}

func (c *ResponseContext) Clone() *ResponseContext {
	if c == nil {
		return nil
	}
	n := *c
	n.AppIcon = append([]byte(nil), c.AppIcon...)
	n.AppThumbnail = append([]byte(nil), c.AppThumbnail...)
	n.GroupList = append([]string(nil), c.GroupList...)
	return &n
}

// AuthToken ResponseAuth中携带的认证令牌
type AuthToken struct {
	PinCode  int32  `json:"PIN_CODE"`
	PinToken string `json:"PIN_TOKEN"`
	QrCode   string `json:"QR_CODE,omitempty"`
	NfcCode  string `json:"NFC_CODE,omitempty"`
}

func (t *AuthToken) String() string {
	data, _ := json.Marshal(t)
	return string(data)
}

func ParseAuthToken(s string) (*AuthToken, error) {
	var t AuthToken
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, fmt.Errorf("解析AUTHTOKEN失败: %w", err)
	}
	return &t, nil
}

// ExtraInfo AuthenticateDevice的extra参数，图标与缩略图为base64
type ExtraInfo struct {
	TargetPkgName  string `json:"targetPkgName"`
	AppName        string `json:"appName"`
	AppDescription string `json:"appDescription"`
	AppIcon        string `json:"appIcon"`
	AppThumbnail   string `json:"appThumbnail"`
	Visibility     *int32 `json:"visibility,omitempty"`
	CryptoSupport  bool   `json:"cryptoSupport"`
	CryptoName     string `json:"cryptoName"`
	CryptoVer      string `json:"cryptoVer"`
}

func ParseExtraInfo(extra string) (*ExtraInfo, error) {
	if extra == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExtra)
	}
	var info ExtraInfo
	if err := json.Unmarshal([]byte(extra), &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtra, err)
	}
	return &info, nil
}

// Apply 把extra中的应用信息填入请求上下文，未指定可见性时为私有
func (e *ExtraInfo) Apply(ctx *RequestContext) error {
	icon, err := base64.StdEncoding.DecodeString(e.AppIcon)
	if err != nil {
		return fmt.Errorf("%w: appIcon: %v", ErrInvalidExtra, err)
	}
	thumb, err := base64.StdEncoding.DecodeString(e.AppThumbnail)
	if err != nil {
		return fmt.Errorf("%w: appThumbnail: %v", ErrInvalidExtra, err)
	}
	ctx.TargetPkgName = e.TargetPkgName
	ctx.AppName = e.AppName
	ctx.AppDesc = e.AppDescription
	ctx.AppIcon = icon
	ctx.AppThumbnail = thumb
	ctx.GroupVisibility = VisibilityPrivate
	if e.Visibility != nil {
		ctx.GroupVisibility = *e.Visibility
	}
	ctx.CryptoSupport = e.CryptoSupport
	ctx.CryptoName = e.CryptoName
	ctx.CryptoVer = e.CryptoVer
	return nil
}
