package curve

import (
	"math"
	"strconv"
	"strings"
)

// StepMs 是音高曲线的采样间隔，每拍 96 步（125 BPM 下 480ms）。
const StepMs = 5

// Pitchbend 是一个音符携带的稀疏音高控制数据（UST 的 PBS/PBW/PBY/PBM/VBR）。
type Pitchbend struct {
	PBS     []float64 // PBS[0] 为相对音符起点的滑音开始偏移
	PBW     []float64 // 每段滑音的宽度
	PBY     []float64 // 每个中间控制点相对音符音高的偏移
	PBM     []string  // 每段的形状代码
	Vibrato [10]int
}

// DefaultPitchbend 返回新音符的默认滑音：提前 40ms 开始、80ms 宽的一段 S 形。
func DefaultPitchbend() Pitchbend {
	return Pitchbend{
		PBS: []float64{-40, 0},
		PBW: []float64{80},
	}
}

// Clone 返回深拷贝。
func (p Pitchbend) Clone() Pitchbend {
	out := p
	out.PBS = append([]float64(nil), p.PBS...)
	out.PBW = append([]float64(nil), p.PBW...)
	out.PBY = append([]float64(nil), p.PBY...)
	out.PBM = append([]string(nil), p.PBM...)
	return out
}

// step 保存覆盖某个采样点的滑音（按所属音符起点区分）和颤音。
type step struct {
	portamenti map[int]Portamento
	vibrato    *Vibrato
}

// portamento 返回起点最晚的音符的滑音，后一个音符的滑音覆盖前一个。
func (s *step) portamento() (Portamento, bool) {
	best, found := -1, false
	for k := range s.portamenti {
		if !found || k > best {
			best, found = k, true
		}
	}
	if !found {
		return Portamento{}, false
	}
	return s.portamenti[best], true
}

func (s *step) apply(ms float64) float64 {
	var v float64
	if p, ok := s.portamento(); ok {
		v = p.Apply(ms)
	}
	if s.vibrato != nil {
		v += s.vibrato.Apply(ms)
	}
	return v
}

// PitchCurve 是整条音轨的音高曲线，每个采样点最多挂一组滑音/颤音。
// 不是并发安全的，由一次渲染独占构建和读取。
type PitchCurve struct {
	factory Factory
	steps   map[int]*step
}

// NewPitchCurve 创建空的音高曲线。
func NewPitchCurve(factory Factory) *PitchCurve {
	return &PitchCurve{factory: factory, steps: make(map[int]*step)}
}

func (c *PitchCurve) at(i int) *step {
	s, ok := c.steps[i]
	if !ok {
		s = &step{portamenti: make(map[int]Portamento)}
		c.steps[i] = s
	}
	return s
}

// AddNote 把一个音符的滑音链和颤音加入曲线。
// 第一段从前一音符的音高出发，最后一段落在本音符音高上。
func (c *PitchCurve) AddNote(noteStartMs, noteLengthMs int, pb Pitchbend, prevNoteNum, noteNum int) {
	if len(pb.PBS) == 0 || len(pb.PBW) == 0 {
		return
	}
	startMs := float64(noteStartMs) + pb.PBS[0]
	pitchStart := float64(prevNoteNum * 10)

	for i, width := range pb.PBW {
		endMs := startMs + width
		pitchEnd := float64(noteNum * 10)
		if i+1 < len(pb.PBW) && i < len(pb.PBY) {
			pitchEnd += pb.PBY[i]
		}
		code := ""
		if i < len(pb.PBM) {
			code = pb.PBM[i]
		}
		p := c.factory.New(startMs, pitchStart, endMs, pitchEnd, code)
		for j := nextStep(p.StartMs()); j <= prevStep(p.EndMs()); j++ {
			s := c.at(j)
			if _, dup := s.portamenti[noteStartMs]; !dup {
				s.portamenti[noteStartMs] = p
			}
		}
		startMs = endMs
		pitchStart = pitchEnd
	}

	if pb.Vibrato[0] <= 0 {
		return
	}
	vibLength := float64(noteLengthMs) * float64(pb.Vibrato[0]) / 100
	vibEnd := float64(noteStartMs + noteLengthMs)
	vib, ok := NewVibrato(vibEnd-vibLength, vibEnd, pb.Vibrato)
	if !ok {
		return
	}
	for j := nextStep(vibEnd - vibLength); j < prevStep(vibEnd); j++ {
		s := c.at(j)
		if s.vibrato == nil {
			s.vibrato = &vib
		}
	}
}

// Render 把 [firstStep, lastStep] 的音高写成重采样器可读的字符串。
// 每步两个字符，值为相对 noteNum 的音分偏移（12 位补码），连续的默认值用 #n# 压缩。
func (c *PitchCurve) Render(firstStep, lastStep, noteNum int) string {
	var b strings.Builder
	notePitch := float64(noteNum * 10)

	// 默认音高取区间内第一段滑音的起点。
	defaultPitch := notePitch
	for i := firstStep; i <= lastStep; i++ {
		if s, ok := c.steps[i]; ok {
			if p, ok := s.portamento(); ok {
				defaultPitch = p.StartPitch()
				break
			}
		}
	}

	for i := firstStep; i <= lastStep; i++ {
		if s, ok := c.steps[i]; ok {
			p, hasPortamento := s.portamento()
			pitch := s.apply(float64(i * StepMs))
			if !hasPortamento {
				// 只有颤音时在默认音高上叠加。
				pitch += defaultPitch
			}
			b.WriteString(encode12Bit(int((pitch - notePitch) * 10)))
			if hasPortamento {
				defaultPitch = p.EndPitch()
			}
			continue
		}

		empty := 0
		j := i
		for ; j <= lastStep; j++ {
			if _, ok := c.steps[j]; ok {
				break
			}
			empty++
		}
		b.WriteString(encode12Bit(int((defaultPitch - notePitch) * 10)))
		if empty > 1 {
			b.WriteString("#" + strconv.Itoa(empty-1) + "#")
		}
		i = j - 1
	}
	return b.String()
}

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// encode12Bit 把 [-2048, 2047] 的整数编码为两个 base64 字符（12 位补码）。
func encode12Bit(v int) string {
	if v < 0 {
		v += 4096
	}
	if v < 0 {
		v = 0
	} else if v > 4095 {
		v = 4095
	}
	return string([]byte{base64Digits[v/64], base64Digits[v%64]})
}

// nextStep 返回位置之后（含）的第一个采样点。
func nextStep(ms float64) int {
	return int(math.Ceil(ms / StepMs))
}

// prevStep 返回位置之前的采样点，不与 nextStep 重合。
func prevStep(ms float64) int {
	prev := int(math.Floor(ms / StepMs))
	if prev == nextStep(ms) {
		return prev - 1
	}
	return prev
}

// FirstStep 返回从 ms 开始的渲染区间的第一个采样点。
func FirstStep(ms float64) int { return int(math.Ceil(ms / StepMs)) }

// LastStep 返回在 ms 结束的渲染区间的最后一个采样点。
func LastStep(ms float64) int { return int(math.Floor(ms / StepMs)) }
