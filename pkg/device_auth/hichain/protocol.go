package hichain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// 协议消息类型
const (
	MsgTypePakeRequest       = 1      // PAKE请求 (0x0001)
	MsgTypePakeResponse      = 0x8001 // PAKE响应 (32769)
	MsgTypePakeClientConfirm = 2      // PAKE客户端确认 (0x0002)
	MsgTypePakeServerConfirm = 0x8002 // PAKE服务端确认 (32770)
	MsgTypePakeExchangeReq   = 3      // PAKE EXCHANGE请求 (0x0003)
	MsgTypePakeExchangeResp  = 0x8003 // PAKE EXCHANGE响应 (32771)
	MsgTypeError             = 0x8080 // 错误消息 (32896)
)

const (
	pakeMinVersion     = "1.0.0"
	pakeCurrentVersion = "2.0.26"
)

type VersionInfo struct {
	MinVersion     string `json:"minVersion"`
	CurrentVersion string `json:"currentVersion"`
}

// PakePayload PAKE协议的payload，二进制字段均为hex编码
type PakePayload struct {
	Salt          string       `json:"salt,omitempty"`
	Epk           string       `json:"epk,omitempty"`
	Challenge     string       `json:"challenge,omitempty"`
	KcfData       string       `json:"kcfData,omitempty"`
	Version       *VersionInfo `json:"version,omitempty"`
	OperationCode int32        `json:"operationCode,omitempty"`
	ExAuthInfo    string       `json:"exAuthInfo,omitempty"` // EXCHANGE阶段：nonce || AES-GCM(authInfo || sig)
}

// AuthMessage HiChain认证消息
type AuthMessage struct {
	MessageType  int          `json:"message"`
	RequestID    string       `json:"requestId,omitempty"`
	Payload      *PakePayload `json:"payload,omitempty"`
	ConnDeviceID string       `json:"connDeviceId,omitempty"` // 加入方设备ID
	PeerDeviceID string       `json:"peerDeviceId,omitempty"` // 拥有方设备ID
	GroupID      string       `json:"groupId,omitempty"`
	ErrorCode    int32        `json:"errorCode,omitempty"`
}

// exchangeAuthInfo EXCHANGE阶段加密传输的身份信息
type exchangeAuthInfo struct {
	AuthID    string `json:"authId"` // hex(deviceId)
	AuthPk    string `json:"authPk"` // hex(ed25519 公钥)
	GroupID   string `json:"groupId,omitempty"`
	GroupName string `json:"groupName,omitempty"`
}

// TrimPayload 截掉对端附带的\x00结尾及尾部空白
func TrimPayload(data []byte) []byte {
	if idx := bytes.IndexByte(data, 0); idx != -1 {
		data = data[:idx]
	}
	return bytes.TrimRight(data, " \t\r\n")
}

func packMessage(msg *AuthMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func unpackMessage(data []byte) (*AuthMessage, error) {
	var msg AuthMessage
	if err := json.Unmarshal(TrimPayload(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// decodeHex 解码payload中的hex字段，空值视为无效
func decodeHex(name, src string) ([]byte, error) {
	b, err := hex.DecodeString(src)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("字段%s无效", name)
	}
	return b, nil
}

// localSigningKey 读取本机长期密钥，不存在时生成并保存
func (h *HiChainHandle) localSigningKey() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	authId := h.params.SelfAuthID
	if priv, pub, ok := h.keys.LoadLocalKey(authId); ok {
		return ed25519.PrivateKey(priv), ed25519.PublicKey(pub), nil
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("生成ED25519密钥失败: %w", err)
	}
	if err := h.keys.SaveLocalKey(authId, priv, pub); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// sealAuthInfo 构造 nonce || AES-GCM(authInfo || ED25519(challengeSelf||challengePeer||authInfo))
func (h *HiChainHandle) sealAuthInfo(groupId, groupName, aad string) (string, error) {
	priv, pub, err := h.localSigningKey()
	if err != nil {
		return "", err
	}
	info, err := json.Marshal(&exchangeAuthInfo{
		AuthID:    hex.EncodeToString([]byte(h.params.SelfAuthID)),
		AuthPk:    hex.EncodeToString(pub),
		GroupID:   groupId,
		GroupName: groupName,
	})
	if err != nil {
		return "", err
	}
	sig, err := signPrehashed(priv, signedMessage(h.speke.challengeSelf, h.speke.challengePeer, info))
	if err != nil {
		return "", err
	}
	sealed, err := sealExchange(h.speke.sessionKey, append(info, sig...), aad)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

// openAuthInfo 解密并校验对端签名，通过后保存对端公钥
func (h *HiChainHandle) openAuthInfo(exAuthInfo, aad string) (*PeerAuthInfo, error) {
	sealed, err := hex.DecodeString(exAuthInfo)
	if err != nil {
		return nil, fmt.Errorf("exAuthInfo不是hex: %w", err)
	}
	plain, err := openExchange(h.speke.sessionKey, sealed, aad)
	if err != nil {
		return nil, err
	}
	if len(plain) <= ed25519.SignatureSize {
		return nil, fmt.Errorf("exAuthInfo长度不足: %d", len(plain))
	}
	infoRaw := plain[:len(plain)-ed25519.SignatureSize]
	sig := plain[len(plain)-ed25519.SignatureSize:]

	var info exchangeAuthInfo
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		return nil, fmt.Errorf("解析authInfo失败: %w", err)
	}
	pk, err := hex.DecodeString(info.AuthPk)
	if err != nil {
		return nil, fmt.Errorf("authPk不是hex: %w", err)
	}
	authId, err := hex.DecodeString(info.AuthID)
	if err != nil || len(authId) == 0 {
		return nil, fmt.Errorf("authId无效")
	}
	if err := verifyPrehashed(pk, signedMessage(h.speke.challengePeer, h.speke.challengeSelf, infoRaw), sig); err != nil {
		return nil, err
	}
	if err := h.keys.SavePeerKey(string(authId), pk); err != nil {
		return nil, err
	}
	return &PeerAuthInfo{
		AuthID:    string(authId),
		PublicKey: pk,
		GroupID:   info.GroupID,
		GroupName: info.GroupName,
	}, nil
}
