package auth_message

import (
	"encoding/json"
	"fmt"
	"strings"

	dmctx "github.com/junbin-yang/devicemanager-go/pkg/context"
	log "github.com/junbin-yang/devicemanager-go/pkg/utils/logger"
)

// AuthMessageProcessor 在认证上下文与线上消息之间转换，并负责RequestAuth的分片与重组
type AuthMessageProcessor struct {
	sliceSize int
	request   *dmctx.RequestContext
	response  *dmctx.ResponseContext

	// 会话两端身份，第一次绑定后不再随消息改变
	localId string
	peerId  string

	// RequestAuth 重组状态
	sliceHead  *requestAuthMessage
	sliceThumb []byte
	nextIndex  int32
}

// NewAuthMessageProcessor sliceSize<=0 时使用 DefaultSliceSize
func NewAuthMessageProcessor(sliceSize int) *AuthMessageProcessor {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return &AuthMessageProcessor{sliceSize: sliceSize}
}

// SetRequestContext 发起方在此绑定本端与对端设备ID
func (p *AuthMessageProcessor) SetRequestContext(ctx *dmctx.RequestContext) {
	p.request = ctx
	if ctx != nil {
		p.localId = ctx.LocalDeviceId
		p.peerId = ctx.DeviceId
	}
}

// SetResponseContext 响应方的本端ID取自ctx.LocalDeviceId，对端ID在第一条带身份的消息中绑定
func (p *AuthMessageProcessor) SetResponseContext(ctx *dmctx.ResponseContext) {
	p.response = ctx
	if ctx != nil && p.localId == "" {
		p.localId = ctx.LocalDeviceId
	}
}

func (p *AuthMessageProcessor) GetRequestContext() *dmctx.RequestContext { return p.request }

func (p *AuthMessageProcessor) GetResponseContext() *dmctx.ResponseContext { return p.response }

// SliceCount 缩略图为n字节时RequestAuth的消息条数（头片+续片）
func SliceCount(n, sliceSize int) int {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return (n+sliceSize-1)/sliceSize + 1
}

// CreateSimpleMessage 构造除RequestAuth以外的单条消息
func (p *AuthMessageProcessor) CreateSimpleMessage(msgType int32) ([]byte, error) {
	var msg interface{}
	switch msgType {
	case MsgTypeNegotiate:
		if p.request == nil {
			return nil, ErrNoContext
		}
		msg = &negotiateMessage{
			header:        newHeader(msgType),
			CryptoSupport: p.request.CryptoSupport,
			CryptoName:    p.request.CryptoName,
			CryptoVer:     p.request.CryptoVer,
			DeviceId:      ptr(p.request.DeviceId),
			LocalDeviceId: ptr(p.request.LocalDeviceId),
			AuthType:      ptr(p.request.AuthType),
			Reply:         ptr(int32(0)),
		}
	case MsgTypeNegotiateResponse:
		if p.response == nil {
			return nil, ErrNoContext
		}
		msg = &negotiateMessage{
			header:        newHeader(msgType),
			CryptoSupport: p.response.CryptoSupport,
			CryptoName:    p.response.CryptoName,
			CryptoVer:     p.response.CryptoVer,
			DeviceId:      ptr(p.response.DeviceId),
			LocalDeviceId: ptr(p.response.LocalDeviceId),
			AuthType:      ptr(p.response.AuthType),
			Reply:         ptr(p.response.Reply),
		}
	case MsgTypeResponseAuth:
		if p.response == nil {
			return nil, ErrNoContext
		}
		msg = p.buildResponseAuth()
	case MsgTypeReqAuthTerminate:
		if p.request == nil {
			return nil, ErrNoContext
		}
		msg = &terminateMessage{header: newHeader(msgType), Reply: ptr(p.request.Reason)}
	case MsgTypeRespAuthTerminate:
		if p.response == nil {
			return nil, ErrNoContext
		}
		msg = &terminateMessage{header: newHeader(msgType), Reply: ptr(p.response.Reply)}
	case MsgTypeChannelClosed:
		h := newHeader(msgType)
		msg = &h
	case MsgTypeSyncGroup:
		if p.request == nil {
			return nil, ErrNoContext
		}
		msg = &syncGroupMessage{
			header:        newHeader(msgType),
			DeviceId:      ptr(p.request.DeviceId),
			LocalDeviceId: p.request.LocalDeviceId,
			GroupIds:      append([]string{}, p.request.GroupList...),
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, msgType)
	}
	return json.Marshal(msg)
}

func (p *AuthMessageProcessor) buildResponseAuth() *responseAuthMessage {
	r := p.response
	msg := &responseAuthMessage{
		header:        newHeader(MsgTypeResponseAuth),
		Reply:         ptr(r.Reply),
		DeviceId:      ptr(r.DeviceId),
		LocalDeviceId: r.LocalDeviceId,
		Token:         r.Token,
	}
	if r.Reply == 0 {
		msg.NetId = ptr(r.NetworkId)
		msg.GroupId = ptr(ExtractGroupId(r.GroupId))
		msg.GroupName = ptr(r.GroupName)
		msg.RequestId = ptr(r.RequestId)
		msg.AuthToken = ptr(r.AuthToken)
	}
	return msg
}

// ExtractGroupId 组描述可能是 {"groupId":"..."}，也可能已经是ID本身
func ExtractGroupId(groupInfo string) string {
	s := strings.TrimSpace(groupInfo)
	if !strings.HasPrefix(s, "{") {
		return s
	}
	var v struct {
		GroupId string `json:"groupId"`
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return ""
	}
	return v.GroupId
}

// CreateAuthRequestMessage 构造RequestAuth：头片携带应用信息，缩略图按sliceSize切成续片
func (p *AuthMessageProcessor) CreateAuthRequestMessage() ([][]byte, error) {
	if p.request == nil {
		return nil, ErrNoContext
	}
	r := p.request
	thumbSize := len(r.AppThumbnail)
	count := int32(SliceCount(thumbSize, p.sliceSize))

	head := &requestAuthMessage{
		header:        newHeader(MsgTypeRequestAuth),
		Slice:         ptr(count),
		Index:         ptr(int32(0)),
		DeviceId:      ptr(r.DeviceId),
		ThumbnailSize: ptr(int32(thumbSize)),
		LocalDeviceId: ptr(r.LocalDeviceId),
		AuthType:      ptr(r.AuthType),
		DeviceName:    r.DeviceName,
		DeviceType:    r.DeviceTypeId,
		Token:         r.Token,
		Visibility:    ptr(r.GroupVisibility),
		AppName:       r.AppName,
		AppDesc:       r.AppDesc,
		AppIcon:       r.AppIcon,
	}
	if r.GroupVisibility == dmctx.VisibilityPrivate {
		head.Target = r.TargetPkgName
		head.Host = r.HostPkgName
	}

	out := make([][]byte, 0, count)
	data, err := json.Marshal(head)
	if err != nil {
		return nil, err
	}
	out = append(out, data)

	for idx := int32(1); idx < count; idx++ {
		start := int(idx-1) * p.sliceSize
		end := start + p.sliceSize
		if end > thumbSize {
			end = thumbSize
		}
		slice := &requestAuthMessage{
			header:        newHeader(MsgTypeRequestAuth),
			Slice:         ptr(count),
			Index:         ptr(idx),
			DeviceId:      ptr(r.DeviceId),
			ThumbnailSize: ptr(int32(thumbSize)),
			AppThumbnail:  r.AppThumbnail[start:end],
		}
		if data, err = json.Marshal(slice); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	log.Debugf("[DM_AUTH] RequestAuth共 %d 条消息，缩略图 %d 字节", count, thumbSize)
	return out, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// bindPeer 校验消息的DEVICEID(接收方)与LOCALDEVICEID(发送方)，未绑定的一端在此绑定。
// 成功后ResponseContext的DeviceId为对端、LocalDeviceId为本端
func (p *AuthMessageProcessor) bindPeer(recipient, sender string) error {
	if p.localId != "" && recipient != p.localId {
		return malformed("DEVICEID %s 不是本机 %s", recipient, p.localId)
	}
	switch {
	case sender == "" && p.peerId == "":
		return malformed("缺少%s", TagLocalDeviceId)
	case sender != "" && p.peerId != "" && sender != p.peerId:
		return malformed("%s %s 与会话对端 %s 不一致", TagLocalDeviceId, sender, p.peerId)
	}
	if p.localId == "" {
		p.localId = recipient
	}
	if p.peerId == "" {
		p.peerId = sender
	}
	p.response.DeviceId = p.peerId
	p.response.LocalDeviceId = p.localId
	return nil
}

// ParseMessage 解析一条消息并写入ResponseContext。
// RequestAuth尚未收齐时返回 complete=false；未知类型视为完整消息并忽略内容
func (p *AuthMessageProcessor) ParseMessage(raw []byte) (complete bool, err error) {
	if p.response == nil {
		return false, ErrNoContext
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return false, malformed("%v", err)
	}
	if h.MsgType == nil {
		return false, malformed("缺少%s", TagMsgType)
	}
	msgType := *h.MsgType
	if h.Version != nil && *h.Version != MsgVersion {
		log.Warnf("[DM_AUTH] 对端协议版本 %s 与本端 %s 不一致", *h.Version, MsgVersion)
	}

	switch msgType {
	case MsgTypeNegotiate, MsgTypeNegotiateResponse:
		err = p.parseNegotiate(raw)
	case MsgTypeRequestAuth:
		complete, err = p.parseRequestAuth(raw)
		if err != nil || !complete {
			return complete, err
		}
	case MsgTypeResponseAuth:
		err = p.parseResponseAuth(raw)
	case MsgTypeReqAuthTerminate, MsgTypeRespAuthTerminate:
		var m terminateMessage
		if err = json.Unmarshal(raw, &m); err == nil {
			if m.Reply == nil {
				err = malformed("terminate缺少%s", TagReply)
			} else {
				p.response.Reply = *m.Reply
			}
		} else {
			err = malformed("%v", err)
		}
	case MsgTypeSyncGroup:
		err = p.parseSyncGroup(raw)
	case MsgTypeChannelClosed:
	default:
		log.Infof("[DM_AUTH] 忽略未知消息类型 %d", msgType)
	}
	if err != nil {
		return false, err
	}
	p.response.MsgType = msgType
	return true, nil
}

func (p *AuthMessageProcessor) parseNegotiate(raw []byte) error {
	var m negotiateMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return malformed("%v", err)
	}
	if m.DeviceId == nil || m.LocalDeviceId == nil || m.AuthType == nil {
		return malformed("negotiate缺少必填字段")
	}
	if err := p.bindPeer(*m.DeviceId, *m.LocalDeviceId); err != nil {
		return err
	}
	r := p.response
	r.AuthType = *m.AuthType
	r.CryptoSupport = m.CryptoSupport
	r.CryptoName = m.CryptoName
	r.CryptoVer = m.CryptoVer
	if m.Reply != nil {
		r.Reply = *m.Reply
	}
	return nil
}

func (p *AuthMessageProcessor) resetSlices() {
	p.sliceHead = nil
	p.sliceThumb = nil
	p.nextIndex = 0
}

// parseRequestAuth 分片必须按INDEX顺序到达，乱序或重复时丢弃已缓存的分片并返回错误
func (p *AuthMessageProcessor) parseRequestAuth(raw []byte) (bool, error) {
	var m requestAuthMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		p.resetSlices()
		return false, malformed("%v", err)
	}
	if m.Slice == nil || m.Index == nil || m.DeviceId == nil || m.ThumbnailSize == nil {
		p.resetSlices()
		return false, malformed("RequestAuth缺少分片字段")
	}
	count, idx, size := *m.Slice, *m.Index, *m.ThumbnailSize
	if !validSliceCount(count, size) {
		p.resetSlices()
		return false, malformed("分片数 %d 与缩略图大小 %d 不符", count, size)
	}
	if idx != p.nextIndex {
		log.Errorf("[DM_AUTH] RequestAuth分片乱序：期望 %d，收到 %d", p.nextIndex, idx)
		p.resetSlices()
		return false, malformed("分片序号 %d 非预期", idx)
	}

	if idx == 0 {
		if m.LocalDeviceId == nil || m.AuthType == nil {
			p.resetSlices()
			return false, malformed("RequestAuth头片缺少必填字段")
		}
		if err := p.bindPeer(*m.DeviceId, *m.LocalDeviceId); err != nil {
			p.resetSlices()
			return false, err
		}
		p.applyRequestHead(&m)
		p.sliceHead = &m
		p.sliceThumb = make([]byte, 0, size)
	} else {
		head := p.sliceHead
		if *head.DeviceId != *m.DeviceId || *head.Slice != count || *head.ThumbnailSize != size {
			p.resetSlices()
			return false, malformed("续片 %d 与头片不一致", idx)
		}
		if len(m.AppThumbnail) == 0 || len(p.sliceThumb)+len(m.AppThumbnail) > int(size) {
			p.resetSlices()
			return false, malformed("续片 %d 数据长度错误", idx)
		}
		p.sliceThumb = append(p.sliceThumb, m.AppThumbnail...)
	}
	p.nextIndex++

	if p.nextIndex < count {
		return false, nil
	}

	if len(p.sliceThumb) != int(size) {
		p.resetSlices()
		return false, malformed("缩略图长度 %d，期望 %d", len(p.sliceThumb), size)
	}
	r := p.response
	r.AppThumbnail = p.sliceThumb
	if head := p.sliceHead; head.Reply != nil && *head.Reply != 0 {
		r.Reply = *head.Reply
		r.NetworkId = head.NetId
		r.GroupId = head.GroupId
		r.GroupName = head.GroupName
		r.RequestId = head.RequestId
	}
	p.resetSlices()
	return true, nil
}

// validSliceCount 对端的分片大小可能与本端不同，只要求每条续片至少1字节
func validSliceCount(count, size int32) bool {
	if size < 0 || size > MaxThumbnailSize {
		return false
	}
	if size == 0 {
		return count == 1
	}
	return count >= 2 && count-1 <= size
}

func (p *AuthMessageProcessor) applyRequestHead(m *requestAuthMessage) {
	r := p.response
	r.AuthType = *m.AuthType
	r.DeviceName = m.DeviceName
	r.DeviceTypeId = m.DeviceType
	r.Token = m.Token
	r.GroupVisibility = dmctx.VisibilityPrivate
	if m.Visibility != nil {
		r.GroupVisibility = *m.Visibility
	}
	r.TargetPkgName = m.Target
	r.HostPkgName = m.Host
	r.AppName = m.AppName
	r.AppDesc = m.AppDesc
	r.AppIcon = m.AppIcon
	r.AppThumbnail = nil
}

func (p *AuthMessageProcessor) parseResponseAuth(raw []byte) error {
	var m responseAuthMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return malformed("%v", err)
	}
	if m.Reply == nil || m.DeviceId == nil {
		return malformed("ResponseAuth缺少必填字段")
	}
	if err := p.bindPeer(*m.DeviceId, m.LocalDeviceId); err != nil {
		return err
	}
	r := p.response
	r.Reply = *m.Reply
	r.Token = m.Token
	if r.Reply != 0 {
		return nil
	}
	if m.NetId == nil || m.GroupId == nil || m.GroupName == nil || m.RequestId == nil || m.AuthToken == nil {
		return malformed("ResponseAuth接受消息缺少组字段")
	}
	r.NetworkId = *m.NetId
	r.GroupId = *m.GroupId
	r.GroupName = *m.GroupName
	r.RequestId = *m.RequestId
	r.AuthToken = *m.AuthToken
	return nil
}

func (p *AuthMessageProcessor) parseSyncGroup(raw []byte) error {
	var m syncGroupMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return malformed("%v", err)
	}
	if m.DeviceId == nil || m.GroupIds == nil {
		return malformed("SyncGroup缺少必填字段")
	}
	if err := p.bindPeer(*m.DeviceId, m.LocalDeviceId); err != nil {
		return err
	}
	r := p.response
	r.GroupList = append([]string(nil), m.GroupIds...)
	return nil
}
