package curve

import "math"

// Vibrato 是叠加在滑音之上、以 0 为中心的周期性音高偏移。
type Vibrato struct {
	startMs, endMs    float64
	phaseIn, phaseOut float64 // 毫秒
	amplitude         float64 // 十分之一半音
	phase             float64 // 弧度
	pitchChange       float64 // 十分之一半音
	startFreq         float64
	freqSlope         float64
}

// NewVibrato 根据 UST 颤音参数构造颤音。
// params 依次为：长度%、周期ms、振幅(音分)、淡入%、淡出%、相位%、音高偏移、(未用)、频率斜率、(未用)。
// 周期不为正时返回 false。
func NewVibrato(startMs, endMs float64, params [10]int) (Vibrato, bool) {
	cycleMs := params[1]
	if cycleMs <= 0 || endMs <= startMs {
		return Vibrato{}, false
	}
	length := endMs - startMs
	baseFreq := 2 * math.Pi / float64(cycleMs)
	slope := float64(params[8])

	startFreq := baseFreq * (slope/200 + 1)
	endFreq := baseFreq * (-slope/200 + 1)

	return Vibrato{
		startMs:     startMs,
		endMs:       endMs,
		phaseIn:     float64(params[3]) / 100 * length,
		phaseOut:    float64(params[4]) / 100 * length,
		amplitude:   float64(params[2]) / 10,
		phase:       2 * math.Pi * float64(params[5]) / 100,
		pitchChange: float64(params[6]) / 20,
		startFreq:   startFreq,
		freqSlope:   (endFreq - startFreq) / length,
	}, true
}

// Apply 返回 ms 时刻的音高偏移，区间外为 0。
func (v Vibrato) Apply(ms float64) float64 {
	if ms < v.startMs || ms >= v.endMs {
		return 0
	}
	freq := v.startFreq + v.freqSlope*(ms-v.startMs)
	wave := math.Sin((ms - v.phase) * freq)

	scale := 1.0
	switch {
	case ms < v.startMs+v.phaseIn:
		scale = (ms - v.startMs) / v.phaseIn
	case ms >= v.endMs-v.phaseOut:
		scale = (v.endMs - ms) / v.phaseOut
	}
	return scale * (v.amplitude*wave + v.pitchChange)
}
