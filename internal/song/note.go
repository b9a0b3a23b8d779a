package song

import (
	"fmt"

	"github.com/iabetor/utsurender/internal/curve"
)

// DefaultNoteDuration 是一拍的长度（125 BPM 下的毫秒数）。
const DefaultNoteDuration = 480

// Note 是轨道上的一个音符。放入 Song 之后不再原地修改，编辑通过 ModifyNote 整体替换。
// 时间以 125 BPM 下的毫秒为单位，渲染时再按曲速缩放。
type Note struct {
	// ID 在放入或替换时由 Song 分配，用于把渲染结果对应回音符。
	ID string

	Start    int
	Duration int
	Lyric    string
	NoteNum  int

	// Preutter、Overlap 为空时使用音源配置中的值。
	Preutter *float64
	Overlap  *float64

	Velocity   float64
	StartPoint float64
	Intensity  int
	Modulation int
	// Flags 为空时使用整首歌的 flags。
	Flags string

	Pitchbend curve.Pitchbend
	Envelope  curve.Envelope
}

// NewNote 创建带默认参数的音符。
func NewNote(start, duration, noteNum int, lyric string) Note {
	return Note{
		Start:     start,
		Duration:  duration,
		Lyric:     lyric,
		NoteNum:   noteNum,
		Velocity:  100,
		Intensity: 100,
		Pitchbend: curve.DefaultPitchbend(),
		Envelope:  curve.DefaultEnvelope(),
	}
}

// End 返回音符发声部分的结束位置。
func (n Note) End() int { return n.Start + n.Duration }

// Span 返回音符发声部分覆盖的区间。
func (n Note) Span() Region { return Region{MinMs: n.Start, MaxMs: n.End()} }

// Clone 返回深拷贝。
func (n Note) Clone() Note {
	out := n
	out.Pitchbend = n.Pitchbend.Clone()
	if n.Preutter != nil {
		v := *n.Preutter
		out.Preutter = &v
	}
	if n.Overlap != nil {
		v := *n.Overlap
		out.Overlap = &v
	}
	return out
}

func (n Note) validate() error {
	if n.Start < 0 {
		return fmt.Errorf("音符位置不能为负: %d", n.Start)
	}
	if n.Duration <= 0 {
		return fmt.Errorf("音符时长必须为正: %d", n.Duration)
	}
	return nil
}
