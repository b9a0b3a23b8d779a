// Package audio 读写渲染流程里用到的 WAV 文件：静音片段、空输出以及时长探测。
package audio

import (
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth    = 16
	numChannels = 1
	// pcmFormat 是 WAV 头中的 PCM 格式编号。
	pcmFormat = 1

	// chunkFrames 是每次交给编码器的采样数。
	chunkFrames = 8192
	// MaxSilenceMs 是单个静音文件的最大时长（6 小时）。
	MaxSilenceMs = 6 * 60 * 60 * 1000
)

// WriteSilence 写入一个时长为 durationMs 的单声道 16 位静音 WAV。
// durationMs <= 0 时写入只有文件头的空 WAV，超过 MaxSilenceMs 时返回错误。
func WriteSilence(path string, durationMs float64, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("无效的采样率: %d", sampleRate)
	}
	if durationMs > MaxSilenceMs || math.IsNaN(durationMs) {
		return fmt.Errorf("静音时长无效: %.1f ms", durationMs)
	}
	frames := 0
	if durationMs > 0 {
		frames = int(math.Round(durationMs * float64(sampleRate) / 1000))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建 WAV 文件失败: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, bitDepth, numChannels, pcmFormat)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: numChannels,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, min(frames, chunkFrames)),
		SourceBitDepth: bitDepth,
	}
	// 即使没有采样也要 Write 一次，文件头是在第一次 Write 时写入的。
	for remaining := frames; ; {
		n := min(remaining, chunkFrames)
		buf.Data = buf.Data[:n]
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("写入 WAV 数据失败: %w", err)
		}
		if remaining -= n; remaining == 0 {
			break
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("写入 WAV 文件头失败: %w", err)
	}
	return nil
}

// WriteEmpty 写入不含采样的 WAV，用于空歌曲的渲染结果。
func WriteEmpty(path string, sampleRate int) error {
	return WriteSilence(path, 0, sampleRate)
}

// Duration 根据 PCM 数据块长度计算 WAV 文件的时长。
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("不是有效的 WAV 文件: %s", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("定位 PCM 数据失败: %w", err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, fmt.Errorf("WAV 文件头无效: %s", path)
	}
	return time.Duration(float64(dec.PCMLen()) / float64(bytesPerSec) * float64(time.Second)), nil
}
