package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	modeAnnounce uint8 = 1 // 周期广播，收到后回复
	modeReply    uint8 = 2 // 单播回复，收到后不再回复
)

var ErrInvalidPayload = errors.New("invalid discovery payload")

type payload struct {
	DeviceId   string     `json:"deviceId"`
	DeviceName string     `json:"devicename"`
	DeviceType DeviceType `json:"type"`
	Version    string     `json:"hicomversion"`
	Mode       uint8      `json:"mode"`
	WlanIP     string     `json:"wlanIp,omitempty"`
	AuthPort   int        `json:"authPort"`
}

func buildPayload(dev *DeviceInfo, mode uint8) ([]byte, error) {
	return json.Marshal(&payload{
		DeviceId:   dev.DeviceId,
		DeviceName: dev.DeviceName,
		DeviceType: dev.DeviceType,
		Version:    dev.Version,
		Mode:       mode,
		WlanIP:     dev.IP,
		AuthPort:   dev.AuthPort,
	})
}

// parsePayload 解析发现报文，末尾的NUL填充会被去掉
func parsePayload(data []byte) (*DeviceInfo, uint8, error) {
	data = bytes.TrimRight(data, "\x00")
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, 0, err
	}
	if p.DeviceId == "" {
		return nil, 0, ErrInvalidPayload
	}
	return &DeviceInfo{
		DeviceId:   p.DeviceId,
		DeviceName: p.DeviceName,
		DeviceType: p.DeviceType,
		Version:    p.Version,
		IP:         p.WlanIP,
		AuthPort:   p.AuthPort,
	}, p.Mode, nil
}
