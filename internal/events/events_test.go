package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fx-rate-alerts/internal/config"
)

func TestToMessageKeysByFingerprint(t *testing.T) {
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	msg, err := toMessage(AlertEvent{ID: "1", Kind: "threshold", Fingerprint: "abc123", Rate: "3.15", Threshold: "3.10", Outcome: "sent", OccurredAt: at})
	if err != nil {
		t.Fatalf("编码事件失败: %v", err)
	}
	if string(msg.Key) != "abc123" {
		t.Fatalf("消息 key 应为指纹, 实际 %s", msg.Key)
	}
	if !msg.Time.Equal(at) {
		t.Fatalf("消息时间不正确: %s", msg.Time)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("消息体应为 JSON: %v", err)
	}
	if decoded["threshold"] != "3.10" {
		t.Fatalf("阈值字段缺失: %v", decoded)
	}
	if _, ok := decoded["volatility_pct"]; ok {
		t.Fatal("空字段应省略")
	}
}

func TestNewWithoutBrokersIsNop(t *testing.T) {
	pub := New(config.EventsConfig{Topic: "rate-alerts"}, zerolog.Nop())
	if _, ok := pub.(Nop); !ok {
		t.Fatalf("未配置 broker 时应返回 Nop, 实际 %T", pub)
	}
	if err := pub.Publish(context.Background(), AlertEvent{ID: "x"}); err != nil {
		t.Fatalf("Nop 不应报错: %v", err)
	}

	pub = New(config.EventsConfig{Brokers: []string{"localhost:9092"}, Topic: "rate-alerts"}, zerolog.Nop())
	if _, ok := pub.(*KafkaPublisher); !ok {
		t.Fatalf("配置 broker 时应返回 KafkaPublisher, 实际 %T", pub)
	}
	_ = pub.Close()
}
