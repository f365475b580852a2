package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnomalyKind 异常类型
type AnomalyKind int

const (
	AnomalyNone      AnomalyKind = iota // 正常
	AnomalyHeartRate                    // 仅心率异常
	AnomalySpO2                         // 仅血氧异常
	AnomalyBoth                         // 心率与血氧同时异常
)

// 与上游模型约定的 anomaly_type 取值
const (
	anomalyTypeHeartRate = "HeartRate"
	anomalyTypeSpO2      = "SpO2"
	anomalyTypeBoth      = "Both"
)

// String 返回线上协议中的取值（None 为空字符串）
func (k AnomalyKind) String() string {
	switch k {
	case AnomalyHeartRate:
		return anomalyTypeHeartRate
	case AnomalySpO2:
		return anomalyTypeSpO2
	case AnomalyBoth:
		return anomalyTypeBoth
	default:
		return ""
	}
}

// ParseAnomalyKind 解析 anomaly_type；未知值返回 (AnomalyNone, false)
func ParseAnomalyKind(s string) (AnomalyKind, bool) {
	switch s {
	case anomalyTypeHeartRate:
		return AnomalyHeartRate, true
	case anomalyTypeSpO2:
		return AnomalySpO2, true
	case anomalyTypeBoth:
		return AnomalyBoth, true
	default:
		return AnomalyNone, false
	}
}

// AffectsHeartRate 该异常是否涉及心率
func (k AnomalyKind) AffectsHeartRate() bool {
	return k == AnomalyHeartRate || k == AnomalyBoth
}

// AffectsSpO2 该异常是否涉及血氧
func (k AnomalyKind) AffectsSpO2() bool {
	return k == AnomalySpO2 || k == AnomalyBoth
}

func (k AnomalyKind) MarshalJSON() ([]byte, error) {
	if k == AnomalyNone {
		return []byte("null"), nil
	}
	return json.Marshal(k.String())
}

func (k *AnomalyKind) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*k = AnomalyNone
		return nil
	}
	kind, ok := ParseAnomalyKind(*s)
	if !ok {
		return fmt.Errorf("unknown anomaly type %q", *s)
	}
	*k = kind
	return nil
}

// Reading 一次生命体征采样及其异常判定
// 只通过 NewReading 构造，IsAnomalous 与 AnomalyKind 始终一致
type Reading struct {
	CapturedAt  time.Time   `json:"captured_at"`
	HeartRate   int         `json:"heart_rate"`
	SpO2        int         `json:"spo2"`
	IsAnomalous bool        `json:"is_anomalous"`
	AnomalyKind AnomalyKind `json:"anomaly_kind"`
	DeviceID    string      `json:"device_id,omitempty"`
}

// NewReading 构造 Reading，异常标志由异常类型推导
func NewReading(capturedAt time.Time, heartRate, spo2 int, kind AnomalyKind) Reading {
	return Reading{
		CapturedAt:  capturedAt,
		HeartRate:   heartRate,
		SpO2:        spo2,
		IsAnomalous: kind != AnomalyNone,
		AnomalyKind: kind,
	}
}

// WithDevice 返回带设备标识的副本
func (r Reading) WithDevice(deviceID string) Reading {
	r.DeviceID = deviceID
	return r
}
