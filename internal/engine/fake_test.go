package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iabetor/utsurender/internal/config"
	"github.com/iabetor/utsurender/internal/song"
	"github.com/iabetor/utsurender/internal/voicebank"
)

const (
	fakeResampler = "fake-resampler"
	fakeWavtool   = "fake-wavtool"
)

// fakeRunner 在进程内模拟两个外部工具：
// 重采样器把除输出路径以外的参数写进输出文件，拼接工具把输入文件追加到输出文件末尾。
type fakeRunner struct {
	mu sync.Mutex

	resamples   int
	stitches    int
	inflight    int
	maxInflight int
	// stitched 按拼接顺序记录音符片段对应的采样名（静音不记录）。
	stitched []string
	calls    [][]string

	// failSamples 中的采样重采样时返回错误。
	failSamples map[string]bool
	// delay 返回某个采样的重采样耗时，用于打乱完成顺序。
	delay func(sample string) time.Duration
	// block 不为 nil 时重采样器等它关闭后才返回；started 在第一次重采样开始时关闭。
	block   chan struct{}
	started chan struct{}
	once    sync.Once

	// holdSilence 不为 nil 时，第一次拼接静音前关闭 silenceHeld，等 holdSilence 关闭后再读静音文件。
	holdSilence chan struct{}
	silenceHeld chan struct{}
	holdOnce    sync.Once
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failSamples: make(map[string]bool)}
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()

	switch args[0] {
	case fakeResampler:
		return f.resample(ctx, args)
	case fakeWavtool:
		return f.stitch(args)
	}
	return fmt.Errorf("unknown tool %q", args[0])
}

func (f *fakeRunner) resample(ctx context.Context, args []string) error {
	sample := strings.TrimSuffix(filepath.Base(args[1]), ".wav")

	f.mu.Lock()
	f.resamples++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	fail := f.failSamples[sample]
	block, started, delay := f.block, f.started, f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if started != nil {
		f.once.Do(func() { close(started) })
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay != nil {
		time.Sleep(delay(sample))
	}
	if fail {
		return errors.New("resampler crashed")
	}

	params := append([]string{"SEG", sample}, args[3:]...)
	return os.WriteFile(args[2], []byte(strings.Join(params, "|")+"\n"), 0644)
}

func (f *fakeRunner) stitch(args []string) error {
	f.mu.Lock()
	hold, held := f.holdSilence, f.silenceHeld
	f.mu.Unlock()
	if hold != nil && strings.HasSuffix(args[2], silenceSuffix) {
		first := false
		f.holdOnce.Do(func() {
			first = true
			close(held)
		})
		if first {
			<-hold
		}
	}

	data, err := os.ReadFile(args[2])
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.stitches++
	if bytes.HasPrefix(data, []byte("SEG|")) {
		f.stitched = append(f.stitched, strings.SplitN(string(data), "|", 3)[1])
	}
	f.mu.Unlock()

	out, err := os.OpenFile(args[1], os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (f *fakeRunner) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resamples, f.stitches, f.maxInflight = 0, 0, 0
	f.stitched = nil
	f.calls = nil
}

func (f *fakeRunner) counts() (resamples, stitches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resamples, f.stitches
}

// newTestVoicebank 创建包含 a 到 h 八个采样的音源，先行发声 20ms、重叠 5ms。
func newTestVoicebank(t *testing.T) *voicebank.DirVoicebank {
	t.Helper()
	dir := t.TempDir()
	for c := 'a'; c <= 'h'; c++ {
		if err := os.WriteFile(filepath.Join(dir, string(c)+".wav"), []byte("RIFF"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	oto := "defaults:\n  preutterance: 20\n  overlap: 5\n  consonant: 60\n"
	if err := os.WriteFile(filepath.Join(dir, voicebank.SettingsFile), []byte(oto), 0644); err != nil {
		t.Fatal(err)
	}
	vb, err := voicebank.Load(dir, false)
	if err != nil {
		t.Fatalf("加载音源失败: %v", err)
	}
	return vb
}

func newTestEngine(t *testing.T, runner *fakeRunner, vb voicebank.Voicebank, opts ...func(*config.EngineConfig)) *Engine {
	t.Helper()
	cfg := config.EngineConfig{
		Resampler:  fakeResampler,
		Wavtool:    fakeWavtool,
		PoolSize:   2,
		BatchSize:  1,
		CacheMode:  config.CacheEnabled,
		CacheDir:   t.TempDir(),
		SampleRate: 8000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg, vb, runner)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// newTestSong 在 0, 480, 960... 依次放入时长 480 的音符。
func newTestSong(t *testing.T, lyrics ...string) *song.Song {
	t.Helper()
	s := song.New()
	for i, l := range lyrics {
		if _, err := s.AddNote(song.NewNote(i*480, 480, 60+i, l)); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取 %s 失败: %v", path, err)
	}
	return data
}
