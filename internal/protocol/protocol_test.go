// =============================================================================
// 文件: internal/protocol/protocol_test.go
// 描述: 序列号环形比较与包编解码测试
// =============================================================================
package protocol

import (
	"bytes"
	"sync"
	"testing"
)

func TestSequenceWrapAround(t *testing.T) {
	if got := MaxSequenceNumber.Next(); got != 0 {
		t.Fatalf("最大序列号回绕错误: got %d, want 0", got)
	}

	// 回绕后 0 视为比最大值新
	if !SequenceGreaterThan(0, MaxSequenceNumber) {
		t.Error("0 应该比最大序列号新")
	}
	if SequenceGreaterThan(MaxSequenceNumber, 0) {
		t.Error("最大序列号不应该比 0 新")
	}
}

func TestSequenceOrdering(t *testing.T) {
	tests := []struct {
		a, b    SequenceNumber
		greater bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 0, false},
		{100, 50, true},
		{0, MaxSequenceNumber, true},
		{5, MaxSequenceNumber - 5, true},
		{MaxSequenceNumber - 5, 5, false},
	}

	for _, tt := range tests {
		if got := SequenceGreaterThan(tt.a, tt.b); got != tt.greater {
			t.Errorf("SequenceGreaterThan(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.greater)
		}
	}
}

func TestSequenceDistance(t *testing.T) {
	if got := SequenceDistance(10, 15); got != 5 {
		t.Errorf("距离不正确: got %d, want 5", got)
	}
	// 跨回绕点
	if got := SequenceDistance(MaxSequenceNumber-1, 2); got != 4 {
		t.Errorf("回绕距离不正确: got %d, want 4", got)
	}
}

func TestSequenceGeneratorConcurrent(t *testing.T) {
	gen := NewSequenceGenerator(0)

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	seen := make([]map[SequenceNumber]bool, workers)

	for i := 0; i < workers; i++ {
		seen[i] = make(map[SequenceNumber]bool)
		wg.Add(1)
		go func(m map[SequenceNumber]bool) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m[gen.Next()] = true
			}
		}(seen[i])
	}
	wg.Wait()

	// 所有生成的序列号必须互不重复
	all := make(map[SequenceNumber]bool)
	for _, m := range seen {
		for seq := range m {
			if all[seq] {
				t.Fatalf("序列号重复: %d", seq)
			}
			all[seq] = true
		}
	}
	if len(all) != workers*perWorker {
		t.Errorf("序列号数量不正确: got %d, want %d", len(all), workers*perWorker)
	}
	if gen.Current() != SequenceNumber(workers*perWorker) {
		t.Errorf("Current 不正确: got %d, want %d", gen.Current(), workers*perWorker)
	}
}

func TestPacketEncodeDecode(t *testing.T) {
	p := NewPacket([]byte("hello, transport"))
	p.AssignSequenceNumber(12345)
	p.AssignMessageNumber(42)

	decoded, err := DecodePacket(p.Bytes())
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	if decoded.SequenceNumber() != 12345 {
		t.Errorf("Seq 不匹配: got %d, want 12345", decoded.SequenceNumber())
	}
	if decoded.MessageNumber() != 42 {
		t.Errorf("Msg 不匹配: got %d, want 42", decoded.MessageNumber())
	}
	if !bytes.Equal(decoded.payload, []byte("hello, transport")) {
		t.Errorf("负载不匹配: got %q", decoded.payload)
	}
}

func TestPacketBytesStable(t *testing.T) {
	p := NewPacket([]byte("payload"))
	p.AssignSequenceNumber(7)

	first := p.Bytes()
	second := p.Bytes()

	// 重传必须拿到完全一致的字节
	if !bytes.Equal(first, second) {
		t.Error("两次 Bytes() 结果不一致")
	}
}

func TestPacketListPositions(t *testing.T) {
	payload := make([]byte, MaxPayloadSize*2+100)
	list := NewPacketList(payload)

	if list.Len() != 3 {
		t.Fatalf("切分数量不正确: got %d, want 3", list.Len())
	}

	list.AssignMessageNumber(9)

	packets := list.Packets()
	for i, p := range packets {
		if !p.IsPartOfMessage() {
			t.Errorf("包 %d 应该属于多包消息", i)
		}
		if p.MessageNumber() != 9 {
			t.Errorf("包 %d 消息号不正确: got %d, want 9", i, p.MessageNumber())
		}
	}
	if !packets[0].IsFirstInMessage() {
		t.Error("首包标志缺失")
	}
	if packets[1].IsFirstInMessage() {
		t.Error("中间包不应该是首包")
	}
	if packets[2].flags&FlagMsgLast == 0 {
		t.Error("尾包标志缺失")
	}
}

func TestControlPacketACK(t *testing.T) {
	encoded := NewACKPacket(98765).Encode()

	if !IsControlData(encoded) {
		t.Fatal("应该被识别为控制包")
	}

	decoded, err := DecodeControlPacket(encoded)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if decoded.Type != ControlACK {
		t.Errorf("类型不正确: got 0x%04x", decoded.Type)
	}
	if decoded.Ack != 98765 {
		t.Errorf("Ack 不正确: got %d, want 98765", decoded.Ack)
	}
}

func TestControlPacketNAKList(t *testing.T) {
	ranges := []SequenceRange{
		{Start: 10, End: 12},
		{Start: 20, End: 20},
		{Start: 100, End: 130},
	}
	decoded, err := DecodeControlPacket(NewNAKListPacket(ranges).Encode())
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if decoded.Type != ControlNAKList {
		t.Errorf("类型不正确: got 0x%04x", decoded.Type)
	}
	if len(decoded.Ranges) != len(ranges) {
		t.Fatalf("区间数量不正确: got %d, want %d", len(decoded.Ranges), len(ranges))
	}
	for i, r := range decoded.Ranges {
		if r != ranges[i] {
			t.Errorf("区间 %d 不匹配: got %v, want %v", i, r, ranges[i])
		}
	}
}

func TestControlPacketNotData(t *testing.T) {
	p := NewPacket([]byte("x"))
	if IsControlData(p.Bytes()) {
		t.Error("数据包不应该被识别为控制包")
	}
	if _, err := DecodeControlPacket(p.Bytes()); err == nil {
		t.Error("数据包按控制包解码应该报错")
	}
}
