// =============================================================================
// 文件: internal/protocol/control.go
// 描述: 控制包编解码 - ACK / NAK / NAK 列表重同步
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// 控制包类型
const (
	ControlACK     uint16 = 0x0001 // 累积确认: ack(4)
	ControlNAK     uint16 = 0x0002 // 丢包区间: start(4) + end(4)
	ControlNAKList uint16 = 0x0003 // 全量重同步: count(2) + count*(start(4)+end(4))

	// 控制包头大小: Flags(2) + Type(2)
	ControlHeaderSize = 4

	// NAK 列表单个区间大小
	NAKRangeSize = 8

	// MaxNAKRanges 单个控制包最多携带的区间数
	MaxNAKRanges = 128
)

// SequenceRange 闭区间 [Start, End]
type SequenceRange struct {
	Start SequenceNumber
	End   SequenceNumber
}

// ControlPacket 控制包
type ControlPacket struct {
	Type   uint16
	Ack    SequenceNumber  // ControlACK
	Ranges []SequenceRange // ControlNAK (一个区间) / ControlNAKList
}

// NewACKPacket 创建 ACK 控制包
func NewACKPacket(ack SequenceNumber) *ControlPacket {
	return &ControlPacket{Type: ControlACK, Ack: ack}
}

// NewNAKPacket 创建 NAK 控制包
func NewNAKPacket(start, end SequenceNumber) *ControlPacket {
	return &ControlPacket{
		Type:   ControlNAK,
		Ranges: []SequenceRange{{Start: start, End: end}},
	}
}

// NewNAKListPacket 创建 NAK 列表重同步包
func NewNAKListPacket(ranges []SequenceRange) *ControlPacket {
	return &ControlPacket{Type: ControlNAKList, Ranges: ranges}
}

// Encode 编码控制包
func (p *ControlPacket) Encode() []byte {
	var bodyLen int
	switch p.Type {
	case ControlACK:
		bodyLen = 4
	case ControlNAK:
		bodyLen = NAKRangeSize
	case ControlNAKList:
		bodyLen = 2 + len(p.Ranges)*NAKRangeSize
	}

	buf := make([]byte, ControlHeaderSize+bodyLen)
	binary.BigEndian.PutUint16(buf[0:2], FlagControl)
	binary.BigEndian.PutUint16(buf[2:4], p.Type)

	offset := ControlHeaderSize
	switch p.Type {
	case ControlACK:
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(p.Ack))
	case ControlNAK:
		r := p.Ranges[0]
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(r.Start))
		binary.BigEndian.PutUint32(buf[offset+4:offset+8], uint32(r.End))
	case ControlNAKList:
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(p.Ranges)))
		offset += 2
		for _, r := range p.Ranges {
			binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(r.Start))
			binary.BigEndian.PutUint32(buf[offset+4:offset+8], uint32(r.End))
			offset += NAKRangeSize
		}
	}

	return buf
}

// DecodeControlPacket 解码控制包
func DecodeControlPacket(data []byte) (*ControlPacket, error) {
	if len(data) < ControlHeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketTooShort, len(data), ControlHeaderSize)
	}
	if binary.BigEndian.Uint16(data[0:2])&FlagControl == 0 {
		return nil, ErrNotControlPacket
	}

	p := &ControlPacket{Type: binary.BigEndian.Uint16(data[2:4])}
	body := data[ControlHeaderSize:]

	switch p.Type {
	case ControlACK:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: ACK 缺少序列号", ErrPacketTruncated)
		}
		p.Ack = SequenceNumber(binary.BigEndian.Uint32(body[0:4]))

	case ControlNAK:
		if len(body) < NAKRangeSize {
			return nil, fmt.Errorf("%w: NAK 缺少区间", ErrPacketTruncated)
		}
		p.Ranges = []SequenceRange{{
			Start: SequenceNumber(binary.BigEndian.Uint32(body[0:4])),
			End:   SequenceNumber(binary.BigEndian.Uint32(body[4:8])),
		}}

	case ControlNAKList:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: NAK 列表缺少计数", ErrPacketTruncated)
		}
		count := int(binary.BigEndian.Uint16(body[0:2]))
		if count > MaxNAKRanges {
			count = MaxNAKRanges
		}
		offset := 2
		for i := 0; i < count && offset+NAKRangeSize <= len(body); i++ {
			p.Ranges = append(p.Ranges, SequenceRange{
				Start: SequenceNumber(binary.BigEndian.Uint32(body[offset : offset+4])),
				End:   SequenceNumber(binary.BigEndian.Uint32(body[offset+4 : offset+8])),
			})
			offset += NAKRangeSize
		}

	default:
		return nil, fmt.Errorf("未知控制包类型: 0x%04x", p.Type)
	}

	return p, nil
}
