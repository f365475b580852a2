package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingField 必填字段缺失
var ErrMissingField = errors.New("missing required field")

// Message 上游推送的 MQTT 消息格式
// {"timestamp":"2026-01-07T10:00:00","hr":75,"spo2":98,"device_id":"d1","is_anomaly":false,"anomaly_type":null}
type Message struct {
	Timestamp   string  `json:"timestamp"` // 仅作参考，不用于 CapturedAt
	HR          *int    `json:"hr"`
	SpO2        *int    `json:"spo2"`
	DeviceID    string  `json:"device_id"`
	IsAnomaly   *bool   `json:"is_anomaly"`
	AnomalyType *string `json:"anomaly_type"`
}

// DecodeMessage 解析消息并校验必填字段
func DecodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.HR == nil {
		return nil, fmt.Errorf("%w: hr", ErrMissingField)
	}
	if msg.SpO2 == nil {
		return nil, fmt.Errorf("%w: spo2", ErrMissingField)
	}
	return &msg, nil
}

// Kind 按上游判定得出异常类型
//   - is_anomaly 存在时以其为准：false 一律为 None；true 时取 anomaly_type，
//     缺失或无法识别时按阈值推导，阈值也判为正常则记为 Both（无法归因到单一指标）
//   - is_anomaly 缺失时按阈值推导
func (m *Message) Kind(th Thresholds) AnomalyKind {
	if m.IsAnomaly == nil {
		return Classify(*m.HR, *m.SpO2, th)
	}
	if !*m.IsAnomaly {
		return AnomalyNone
	}
	if m.AnomalyType != nil {
		if kind, ok := ParseAnomalyKind(*m.AnomalyType); ok {
			return kind
		}
	}
	if kind := Classify(*m.HR, *m.SpO2, th); kind != AnomalyNone {
		return kind
	}
	return AnomalyBoth
}

// Reading 转换为内部 Reading，CapturedAt 使用接收时间
func (m *Message) Reading(receivedAt time.Time, th Thresholds) Reading {
	return NewReading(receivedAt, *m.HR, *m.SpO2, m.Kind(th)).WithDevice(m.DeviceID)
}

// EncodeReading 按上游消息格式编码（模拟器发布使用）
func EncodeReading(r Reading) ([]byte, error) {
	hr, spo2, anomalous := r.HeartRate, r.SpO2, r.IsAnomalous
	msg := Message{
		Timestamp: r.CapturedAt.Format(time.RFC3339),
		HR:        &hr,
		SpO2:      &spo2,
		DeviceID:  r.DeviceID,
		IsAnomaly: &anomalous,
	}
	if r.AnomalyKind != AnomalyNone {
		kind := r.AnomalyKind.String()
		msg.AnomalyType = &kind
	}
	return json.Marshal(msg)
}
