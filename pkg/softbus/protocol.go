package softbus

import (
	"encoding/binary"
)

const (
	MaxSessionServerNum = 8
	NameLength          = 64

	PacketHeadSize = 16         // 4+4+4+4
	MaxPacketSize  = 128 * 1024 // 单个数据包负载上限

	PkgHeaderIdentifier uint32 = 0xBABEFACE
)

// 数据包类型
const (
	PacketTypeHandshake      uint32 = 0x01
	PacketTypeHandshakeReply uint32 = 0x02
	PacketTypeData           uint32 = 0x03
)

// 打开结果
const (
	OpenResultOK       int32 = 0
	OpenResultNoServer int32 = -1
	OpenResultRejected int32 = -2
	OpenResultDialFail int32 = -3
	OpenResultClosed   int32 = -4
)

// PacketHead 数据包头部（16字节，小端）
type PacketHead struct {
	Magic   uint32
	Type    uint32
	Seq     int32
	DataLen uint32
}

// FirstPacketData 发起方在连接建立后发送的握手数据
type FirstPacketData struct {
	BusName  string `json:"BUS_NAME"`
	DeviceID string `json:"DEVICE_ID"`
}

// ResponsePacketData 接受方的握手回复
type ResponsePacketData struct {
	DeviceID string `json:"DEVICE_ID"`
	Result   int32  `json:"RESULT"`
}

func packFrame(typ uint32, seq int32, payload []byte) []byte {
	buf := make([]byte, PacketHeadSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], PkgHeaderIdentifier)
	binary.LittleEndian.PutUint32(buf[4:], typ)
	binary.LittleEndian.PutUint32(buf[8:], uint32(seq))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(payload)))
	copy(buf[PacketHeadSize:], payload)
	return buf
}

// unpackHead 解析头部，buf长度必须不小于PacketHeadSize
func unpackHead(buf []byte) (PacketHead, error) {
	head := PacketHead{
		Magic:   binary.LittleEndian.Uint32(buf[0:]),
		Type:    binary.LittleEndian.Uint32(buf[4:]),
		Seq:     int32(binary.LittleEndian.Uint32(buf[8:])),
		DataLen: binary.LittleEndian.Uint32(buf[12:]),
	}
	if head.Magic != PkgHeaderIdentifier || head.DataLen > MaxPacketSize {
		return head, ErrInvalidPacketHeader
	}
	switch head.Type {
	case PacketTypeHandshake, PacketTypeHandshakeReply, PacketTypeData:
	default:
		return head, ErrInvalidPacketHeader
	}
	return head, nil
}
