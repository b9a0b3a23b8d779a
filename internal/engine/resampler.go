package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/iabetor/utsurender/internal/process"
)

// ResampleRequest 是一次重采样器调用的全部参数。
type ResampleRequest struct {
	// Input 为音源采样，Output 为生成的音符片段。
	Input  string
	Output string

	Pitch    string // 例如 "C4"
	Velocity float64
	Flags    string
	Offset   float64
	// LengthMs 为已按曲速缩放、并加 1ms 余量的目标长度。
	LengthMs   float64
	Consonant  float64
	Cutoff     float64
	Intensity  int
	Modulation int
	Tempo      float64
	// PitchString 为 curve.PitchCurve.Render 的输出。
	PitchString string
}

// Args 按重采样器的命令行约定排列参数：
//
//	resampler in out pitch velocity flags offset length consonant cutoff intensity modulation T<tempo> pitchbend
func (r ResampleRequest) Args(resampler string) []string {
	return []string{
		resampler,
		r.Input,
		r.Output,
		r.Pitch,
		formatDouble(r.Velocity),
		r.Flags,
		formatDouble(r.Offset),
		formatDouble(r.LengthMs),
		formatDouble(r.Consonant),
		formatDouble(r.Cutoff),
		strconv.Itoa(r.Intensity),
		strconv.Itoa(r.Modulation),
		"T" + formatDouble(r.Tempo),
		r.PitchString,
	}
}

// Key 返回除输出路径以外所有参数的指纹，相同指纹的调用产生相同的片段。
// 采样文件的大小和修改时间也计入指纹，替换采样后旧片段自动失效。
func (r ResampleRequest) Key(resampler string) string {
	h := sha256.New()
	for i, arg := range r.Args(resampler) {
		if i == 2 {
			continue
		}
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	if info, err := os.Stat(r.Input); err == nil {
		fmt.Fprintf(h, "%d:%d", info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Resampler 调用外部重采样器生成单个音符的片段。
type Resampler struct {
	path   string
	runner process.Runner
}

// NewResampler 创建使用指定可执行文件的重采样阶段。
func NewResampler(path string, runner process.Runner) *Resampler {
	return &Resampler{path: path, runner: runner}
}

// Resample 运行一次重采样。退出码不作为依据，没有生成输出文件才算失败。
func (r *Resampler) Resample(ctx context.Context, req ResampleRequest) error {
	if err := r.runner.Run(ctx, "", req.Args(r.path)...); err != nil {
		return fmt.Errorf("重采样失败: %w", err)
	}
	if _, err := os.Stat(req.Output); err != nil {
		return fmt.Errorf("重采样器未生成输出文件: %w", err)
	}
	return nil
}

// Key 返回请求在该重采样器下的指纹。
func (r *Resampler) Key(req ResampleRequest) string { return req.Key(r.path) }
