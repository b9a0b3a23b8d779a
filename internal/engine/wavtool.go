package engine

import (
	"context"
	"fmt"

	"github.com/iabetor/utsurender/internal/curve"
	"github.com/iabetor/utsurender/internal/logger"
	"github.com/iabetor/utsurender/internal/process"
)

// lastNoteTrigger 通知拼接工具这是最后一段，需要写出文件头。
const lastNoteTrigger = "LAST_NOTE"

// timingTolerance 是允许的拼接位置误差（毫秒）。
const timingTolerance = 0.01

// NoteAppend 描述一次把音符片段接到整轨末尾的操作。
type NoteAppend struct {
	Input string
	// Position 为音符在歌曲中的起点，仅用于定位失败。
	Position   int
	StartPoint float64
	// LengthMs、ExpectedMs 为未按曲速缩放的值。
	LengthMs   float64
	ExpectedMs float64
	Envelope   curve.Envelope
	// IncludeOverlap 为 false 时（与前一个音符不相接）不做交叉淡化。
	IncludeOverlap bool
	Last           bool
}

// SilenceAppend 描述一段静音，DurationMs、ExpectedMs 已按曲速缩放。
type SilenceAppend struct {
	Position   int
	DurationMs float64
	ExpectedMs float64
	Last       bool
}

// StitchError 表示某次拼接工具调用失败，Position 为对应片段在歌曲中的位置。
type StitchError struct {
	Position int
	Err      error
}

func (e *StitchError) Error() string {
	return fmt.Sprintf("拼接 @%d 失败: %v", e.Position, e.Err)
}

func (e *StitchError) Unwrap() error { return e.Err }

type wavtoolCall struct {
	position int
	args     []string
}

// Stitcher 按顺序调用外部拼接工具把片段接成整轨，不是并发安全的。
// 调用可以攒批：攒批只推迟进程启动，调用顺序和参数不变。
type Stitcher struct {
	wavtool string
	runner  process.Runner
	output  string
	scale   float64
	batch   int
	silence func(durationMs float64) (string, error)

	totalMs float64
	pending []wavtoolCall
}

// NewStitcher 创建拼接阶段。startMs 为渲染区间起点，silence 用于生成指定时长的静音文件。
func NewStitcher(wavtool string, runner process.Runner, output string, tempo, startMs float64, batch int,
	silence func(durationMs float64) (string, error)) *Stitcher {
	if batch < 1 {
		batch = 1
	}
	scale := 125 / tempo
	return &Stitcher{
		wavtool: wavtool,
		runner:  runner,
		output:  output,
		scale:   scale,
		batch:   batch,
		silence: silence,
		totalMs: startMs * scale,
	}
}

// TotalMs 返回已拼接的长度（已缩放）。
func (s *Stitcher) TotalMs() float64 { return s.totalMs }

// AppendNote 追加一个音符片段。
func (s *Stitcher) AppendNote(ctx context.Context, n NoteAppend) error {
	length := n.LengthMs * s.scale
	overlap := 0.0
	if n.IncludeOverlap {
		overlap = max(0, min(n.Envelope.FadeIn(), length))
	}

	expected := n.ExpectedMs * s.scale
	if expected > s.totalMs && expected-s.totalMs > timingTolerance {
		logger.Debugf("[wavtool] 音符 @%d 与预期位置相差 %.2f ms", n.Position, expected-s.totalMs)
	}

	env := n.Envelope
	args := []string{
		s.wavtool,
		s.output,
		n.Input,
		formatDouble(n.StartPoint),
		formatDouble(length),
		formatDouble(env.Widths[0]),  // p1
		formatDouble(env.Widths[1]),  // p2
		formatDouble(env.Widths[2]),  // p3
		formatDouble(env.Heights[0]), // v1
		formatDouble(env.Heights[1]), // v2
		formatDouble(env.Heights[2]), // v3
		formatDouble(env.Heights[3]), // v4
		formatDouble(overlap),
		formatDouble(env.Widths[3]),  // p4
		formatDouble(env.Widths[4]),  // p5
		formatDouble(env.Heights[4]), // v5
		trigger(n.Last),
	}
	s.totalMs += length - overlap
	return s.enqueue(ctx, wavtoolCall{position: n.Position, args: args}, n.Last)
}

// AppendSilence 追加一段静音。整轨比预期位置短时把差值补进这段静音。
func (s *Stitcher) AppendSilence(ctx context.Context, a SilenceAppend) error {
	duration := a.DurationMs
	if a.ExpectedMs > s.totalMs && a.ExpectedMs-s.totalMs > timingTolerance {
		correction := a.ExpectedMs - s.totalMs
		duration += correction
		logger.Debugf("[wavtool] 静音 @%d 补齐 %.2f ms", a.Position, correction)
	}
	duration = max(duration, 0)

	input, err := s.silence(duration)
	if err != nil {
		return &StitchError{Position: a.Position, Err: fmt.Errorf("生成静音失败: %w", err)}
	}

	args := []string{
		s.wavtool,
		s.output,
		input,
		"0.0",
		formatDouble(duration),
		"0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0",
		trigger(a.Last),
	}
	s.totalMs += duration
	return s.enqueue(ctx, wavtoolCall{position: a.Position, args: args}, a.Last)
}

func (s *Stitcher) enqueue(ctx context.Context, call wavtoolCall, last bool) error {
	s.pending = append(s.pending, call)
	if last || len(s.pending) >= s.batch {
		return s.Flush(ctx)
	}
	return nil
}

// Flush 依次执行所有攒下的调用。某次调用失败后仍继续执行后面的调用，
// 返回第一个失败对应的 *StitchError。
func (s *Stitcher) Flush(ctx context.Context) error {
	calls := s.pending
	s.pending = nil

	var first error
	for _, c := range calls {
		if err := s.runner.Run(ctx, "", c.args...); err != nil {
			logger.Warnf("[wavtool] 拼接 @%d 失败: %v", c.position, err)
			if first == nil {
				first = &StitchError{Position: c.position, Err: err}
			}
		}
	}
	return first
}

func trigger(last bool) string {
	if last {
		return lastNoteTrigger
	}
	return ""
}
