// =============================================================================
// 文件: internal/protocol/packet.go
// 描述: 数据包编解码 - 发送端持有字节级快照以支持按原样重传
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// 数据包常量
const (
	// 包头大小: Flags(2) + Seq(4) + Msg(4) + Len(2) = 12 bytes
	HeaderSize     = 12
	DefaultMTU     = 1400
	MaxPayloadSize = DefaultMTU - HeaderSize

	// 标志位 (2 bytes)
	FlagData     uint16 = 0x0001 // 数据包
	FlagPartOf   uint16 = 0x0002 // 属于多包消息
	FlagMsgFirst uint16 = 0x0004 // 消息首包
	FlagMsgLast  uint16 = 0x0008 // 消息尾包
	FlagControl  uint16 = 0x8000 // 控制包 (见 control.go)
)

// 错误定义
var (
	ErrPacketTooShort   = fmt.Errorf("数据太短")
	ErrPacketTruncated  = fmt.Errorf("数据不完整")
	ErrPayloadTooLarge  = fmt.Errorf("负载超过 MTU")
	ErrNotDataPacket    = fmt.Errorf("不是数据包")
	ErrNotControlPacket = fmt.Errorf("不是控制包")
)

// Packet 数据包
// 入队后由发送队列独占，分配序列号时写入包头并冻结字节内容；
// 重传必须复用 Bytes() 返回的同一份字节
type Packet struct {
	flags   uint16
	seq     SequenceNumber
	msg     MessageNumber
	payload []byte

	// 编码缓存，分配序列号后生成
	wire []byte
}

// NewPacket 创建独立数据包 (复制负载)
func NewPacket(payload []byte) *Packet {
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Packet{
		flags:   FlagData,
		payload: data,
	}
}

// SequenceNumber 已分配的序列号
func (p *Packet) SequenceNumber() SequenceNumber {
	return p.seq
}

// MessageNumber 已分配的消息号
func (p *Packet) MessageNumber() MessageNumber {
	return p.msg
}

// PayloadSize 负载字节数
func (p *Packet) PayloadSize() int {
	return len(p.payload)
}

// WireSize 线上字节数 (含包头)
func (p *Packet) WireSize() int {
	return HeaderSize + len(p.payload)
}

// IsPartOfMessage 是否属于多包消息
func (p *Packet) IsPartOfMessage() bool {
	return p.flags&FlagPartOf != 0
}

// IsFirstInMessage 是否为消息首包 (独立包视为首包)
func (p *Packet) IsFirstInMessage() bool {
	return p.flags&FlagPartOf == 0 || p.flags&FlagMsgFirst != 0
}

// AssignSequenceNumber 写入序列号并使编码缓存失效
func (p *Packet) AssignSequenceNumber(seq SequenceNumber) {
	p.seq = seq
	p.wire = nil
}

// AssignMessageNumber 写入消息号并使编码缓存失效
func (p *Packet) AssignMessageNumber(msg MessageNumber) {
	p.msg = msg
	p.wire = nil
}

// Bytes 编码为线上字节，结果会被缓存
// 发送队列重传时重新调用，拿到与首次发送完全一致的字节
func (p *Packet) Bytes() []byte {
	if p.wire != nil {
		return p.wire
	}

	buf := make([]byte, HeaderSize+len(p.payload))
	binary.BigEndian.PutUint16(buf[0:2], p.flags)
	binary.BigEndian.PutUint32(buf[2:6], uint32(p.seq))
	binary.BigEndian.PutUint32(buf[6:10], uint32(p.msg))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(p.payload)))
	copy(buf[HeaderSize:], p.payload)

	p.wire = buf
	return buf
}

// DecodePacket 解码数据包
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketTooShort, len(data), HeaderSize)
	}

	flags := binary.BigEndian.Uint16(data[0:2])
	if flags&FlagControl != 0 || flags&FlagData == 0 {
		return nil, ErrNotDataPacket
	}

	payloadLen := int(binary.BigEndian.Uint16(data[10:12]))
	if len(data) < HeaderSize+payloadLen {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketTruncated, len(data), HeaderSize+payloadLen)
	}

	p := &Packet{
		flags: flags,
		seq:   SequenceNumber(binary.BigEndian.Uint32(data[2:6])),
		msg:   MessageNumber(binary.BigEndian.Uint32(data[6:10])),
	}
	if payloadLen > 0 {
		p.payload = make([]byte, payloadLen)
		copy(p.payload, data[HeaderSize:HeaderSize+payloadLen])
	}
	return p, nil
}

// IsControlData 字节流是否是控制包
func IsControlData(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return binary.BigEndian.Uint16(data[0:2])&FlagControl != 0
}

// PacketList 多包逻辑消息
// 所有成员共享一个消息号，由发送队列在入队时统一分配
type PacketList struct {
	packets []*Packet
}

// NewPacketList 按 MTU 切分负载生成包列表
func NewPacketList(payload []byte) *PacketList {
	if len(payload) == 0 {
		return &PacketList{}
	}

	var packets []*Packet
	for len(payload) > 0 {
		chunk := len(payload)
		if chunk > MaxPayloadSize {
			chunk = MaxPayloadSize
		}
		packets = append(packets, NewPacket(payload[:chunk]))
		payload = payload[chunk:]
	}

	markMessagePositions(packets)
	return &PacketList{packets: packets}
}

// NewPacketListFromPayloads 从既有分段生成包列表
func NewPacketListFromPayloads(payloads [][]byte) *PacketList {
	packets := make([]*Packet, 0, len(payloads))
	for _, payload := range payloads {
		packets = append(packets, NewPacket(payload))
	}
	markMessagePositions(packets)
	return &PacketList{packets: packets}
}

// markMessagePositions 标记消息内位置
func markMessagePositions(packets []*Packet) {
	if len(packets) < 2 {
		return
	}
	for i, p := range packets {
		p.flags |= FlagPartOf
		if i == 0 {
			p.flags |= FlagMsgFirst
		}
		if i == len(packets)-1 {
			p.flags |= FlagMsgLast
		}
		p.wire = nil
	}
}

// Packets 列表成员
func (l *PacketList) Packets() []*Packet {
	return l.packets
}

// Len 包数量
func (l *PacketList) Len() int {
	return len(l.packets)
}

// AssignMessageNumber 为所有成员写入同一个消息号
func (l *PacketList) AssignMessageNumber(msg MessageNumber) {
	for _, p := range l.packets {
		p.AssignMessageNumber(msg)
	}
}
