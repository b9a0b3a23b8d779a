package engine

import (
	"math"

	"github.com/iabetor/utsurender/internal/curve"
	"github.com/iabetor/utsurender/internal/song"
	"github.com/iabetor/utsurender/internal/voicebank"
)

// defaultFadeOut 是不与下一个音符相接时的淡出宽度（毫秒）。
const defaultFadeOut = 35

// plan 是一个音符标准化之后的渲染参数，时间均未按曲速缩放。
type plan struct {
	note song.PlacedNote

	cfg   voicebank.LyricConfig
	found bool

	realPreutter   float64
	realOverlap    float64
	adjustedLength float64
	autoStartPoint float64
	envelope       curve.Envelope
}

// expectedStart 返回片段在整轨中的预期起点（音符起点减去先行发声）。
func (p *plan) expectedStart() float64 {
	return float64(p.note.Start) - p.realPreutter
}

// startPoint 返回传给拼接工具的起始偏移。
func (p *plan) startPoint() float64 {
	return p.note.StartPoint + p.autoStartPoint
}

// touching 判断 cur 的结尾是否与 next 的先行发声相接。两个音符都必须能找到采样。
func touching(cur, next *plan) bool {
	if cur == nil || next == nil || !cur.found || !next.found {
		return false
	}
	length := float64(cur.note.Length)
	pre := math.Min(next.realPreutter, length)
	return !(pre+float64(cur.note.Duration) < length)
}

// nearbyPrevLyric 返回紧挨着的前一个音符的歌词，用于推断 VCV 别名。
func nearbyPrevLyric(prev *song.PlacedNote) string {
	if prev != nil && prev.Length-prev.Duration < song.DefaultNoteDuration/2 {
		return prev.Lyric
	}
	return ""
}

// planSet 是一次渲染的标准化结果。prev、next 为上下文音符，不参与拼接。
type planSet struct {
	prev  *plan
	notes []*plan
	next  *plan
}

// contextNotes 返回 [Prev, Notes..., Next]，以及 Notes[0] 在其中的下标。
func contextNotes(snap song.Snapshot) ([]song.PlacedNote, int) {
	all := make([]song.PlacedNote, 0, len(snap.Notes)+2)
	offset := 0
	if snap.Prev != nil {
		all = append(all, *snap.Prev)
		offset = 1
	}
	all = append(all, snap.Notes...)
	if snap.Next != nil {
		all = append(all, *snap.Next)
	}
	return all, offset
}

// buildPlans 标准化快照中的音符，上下文音符参与计算。
// 标准化从后往前进行，每个音符都依赖已处理完的下一个音符。
func buildPlans(snap song.Snapshot, vb voicebank.Voicebank) planSet {
	all, offset := contextNotes(snap)

	plans := make([]*plan, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		var prev *song.PlacedNote
		if i > 0 {
			prev = &all[i-1]
		}
		var next *plan
		if i+1 < len(all) {
			next = plans[i+1]
		}
		plans[i] = standardize(prev, all[i], next, vb)
	}

	set := planSet{notes: plans[offset : offset+len(snap.Notes)]}
	if snap.Prev != nil {
		set.prev = plans[0]
	}
	if snap.Next != nil {
		set.next = plans[len(plans)-1]
	}
	return set
}

// neighbors 返回第 i 个音符前后的音符，边界处取上下文音符。
func (s planSet) neighbors(i int) (prev, next *plan) {
	prev, next = s.prev, s.next
	if i > 0 {
		prev = s.notes[i-1]
	}
	if i+1 < len(s.notes) {
		next = s.notes[i+1]
	}
	return prev, next
}

func standardize(prev *song.PlacedNote, note song.PlacedNote, next *plan, vb voicebank.Voicebank) *plan {
	p := &plan{
		note:           note,
		adjustedLength: float64(note.Duration),
		envelope:       note.Envelope.Normalize(),
	}

	pitch := song.NoteNumToPitch(note.NoteNum)
	p.cfg, p.found = vb.Lookup(nearbyPrevLyric(prev), note.Lyric, pitch)
	if !p.found {
		return p
	}

	// 音符自带的先行发声和重叠优先于音源配置。
	preutter := p.cfg.Preutterance
	if note.Preutter != nil {
		preutter = *note.Preutter
	}
	p.realOverlap = p.cfg.Overlap
	if note.Overlap != nil {
		p.realOverlap = *note.Overlap
	}

	p.realPreutter = preutter
	if prev != nil {
		// 先行发声不能越过前一个音符的起点。
		delta := float64(note.Start - prev.Start)
		p.realPreutter = math.Min(preutter, delta)

		// 给前一个音符至少留下一半时长。
		maxLength := delta - float64(prev.Duration)/2
		if p.realPreutter-p.realOverlap > maxLength {
			factor := maxLength / (p.realPreutter - p.realOverlap)
			old := p.realPreutter
			p.realPreutter *= factor
			p.realOverlap *= factor
			p.autoStartPoint = old - p.realPreutter
		}
	}

	p.adjustedLength = p.adjustLength(next)

	if touching(p, next) {
		if next.envelope.FadeIn() > p.adjustedLength {
			next.envelope.Widths[0] = p.adjustedLength
		}
		p.envelope.Widths[3] = next.envelope.FadeIn()
	} else {
		p.envelope.Widths[3] = math.Min(defaultFadeOut, p.adjustedLength)
	}

	// 包络（不含淡出）不能比音符长。
	p.envelope, p.realOverlap = p.envelope.FitTo(p.adjustedLength, p.realOverlap)
	p.envelope.Widths[0] = p.realOverlap
	return p
}

// adjustLength 计算考虑先行发声和重叠之后的片段长度（不含曲速）。
func (p *plan) adjustLength(next *plan) float64 {
	length := float64(p.note.Duration) + p.realPreutter
	if !touching(p, next) {
		return length
	}

	// 下一个音符的先行发声侵占本音符的结尾。
	encroaching := next.realPreutter + float64(p.note.Duration) - float64(p.note.Length)
	length -= encroaching

	// 再加上与下一个音符交叉淡化的部分。
	nextOverlap := math.Min(next.cfg.Overlap, next.envelope.FadeIn())
	length += math.Max(0, math.Min(nextOverlap, float64(next.note.Duration)))
	return length
}
