package models

// Bounds 闭区间 [Min, Max]
type Bounds struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Contains v 是否落在区间内
func (b Bounds) Contains(v int) bool {
	return v >= b.Min && v <= b.Max
}

// Thresholds 正常范围阈值
type Thresholds struct {
	HeartRate Bounds `yaml:"heart_rate" json:"heart_rate"`
	SpO2      Bounds `yaml:"spo2" json:"spo2"`
}

// DefaultThresholds 心率 60-100，血氧 95-100
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartRate: Bounds{Min: 60, Max: 100},
		SpO2:      Bounds{Min: 95, Max: 100},
	}
}

// Classify 按正常范围判定异常类型
func Classify(heartRate, spo2 int, th Thresholds) AnomalyKind {
	hrBad := !th.HeartRate.Contains(heartRate)
	spo2Bad := !th.SpO2.Contains(spo2)

	switch {
	case hrBad && spo2Bad:
		return AnomalyBoth
	case hrBad:
		return AnomalyHeartRate
	case spo2Bad:
		return AnomalySpO2
	default:
		return AnomalyNone
	}
}
