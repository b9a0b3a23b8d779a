package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/iabetor/utsurender/internal/audio"
	"github.com/iabetor/utsurender/internal/config"
	"github.com/iabetor/utsurender/internal/song"
)

func TestNew_RequiresTools(t *testing.T) {
	vb := newTestVoicebank(t)
	if _, err := New(config.EngineConfig{Wavtool: "w", CacheDir: t.TempDir()}, vb, newFakeRunner()); err == nil {
		t.Error("missing resampler should fail")
	}
	if _, err := New(config.EngineConfig{Resampler: "r", CacheDir: t.TempDir()}, vb, newFakeRunner()); err == nil {
		t.Error("missing wavtool should fail")
	}
	if _, err := New(config.EngineConfig{Resampler: "r", Wavtool: "w", CacheDir: t.TempDir()}, nil, newFakeRunner()); err == nil {
		t.Error("missing voicebank should fail")
	}
}

func TestRender_EmptySongInvokesNothing(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	out := filepath.Join(t.TempDir(), "empty.wav")

	res, err := e.RenderWav(context.Background(), song.New(), out)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("empty song should not invoke tools, got %d calls", len(runner.calls))
	}
	d, err := audio.Duration(out)
	if err != nil {
		t.Fatalf("output should be a valid WAV: %v", err)
	}
	if d != 0 || res.Duration != 0 {
		t.Errorf("expected empty output, got %v", d)
	}
}

func TestRender_AddingNoteResamplesOnlyThatNote(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b", "c")
	dir := t.TempDir()

	first := filepath.Join(dir, "first.wav")
	res, err := e.RenderWav(context.Background(), s, first)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	if n, _ := runner.counts(); n != 3 || res.Resampled != 3 {
		t.Fatalf("first render: %d resampler calls, %d resampled", n, res.Resampled)
	}
	before := readFile(t, first)

	if _, err := s.AddNote(song.NewNote(2400, 480, 63, "d")); err != nil {
		t.Fatal(err)
	}
	runner.reset()

	second := filepath.Join(dir, "second.wav")
	res, err = e.RenderWav(context.Background(), s, second)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if n, _ := runner.counts(); n != 1 {
		t.Errorf("only the new note should be resampled, got %d resampler calls", n)
	}
	if res.Resampled != 1 || res.Reused != 3 {
		t.Errorf("resampled=%d reused=%d", res.Resampled, res.Reused)
	}

	after := readFile(t, second)
	if len(after) <= len(before) {
		t.Errorf("output should grow: %d → %d bytes", len(before), len(after))
	}
	if !bytes.HasPrefix(after, before) {
		t.Error("previously rendered prefix changed")
	}
	if got := s.Rendered(); got != (song.Region{MinMs: 0, MaxMs: 2880}) {
		t.Errorf("rendered region: got %s", got)
	}
}

func TestRender_UnchangedSongReusesOutput(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b", "c")
	dir := t.TempDir()

	if _, err := e.RenderWav(context.Background(), s, filepath.Join(dir, "1.wav")); err != nil {
		t.Fatal(err)
	}
	runner.reset()

	res, err := e.RenderWav(context.Background(), s, filepath.Join(dir, "2.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.WholeReused {
		t.Error("expected the whole output to be reused")
	}
	if len(runner.calls) != 0 {
		t.Errorf("reuse should not invoke tools, got %d calls", len(runner.calls))
	}
	if !bytes.Equal(readFile(t, filepath.Join(dir, "1.wav")), readFile(t, filepath.Join(dir, "2.wav"))) {
		t.Error("reused output differs")
	}

	// 编辑之后不能再整体复用。
	s.MarkUnrendered(song.Region{MinMs: 480, MaxMs: 960})
	res, err = e.RenderWav(context.Background(), s, filepath.Join(dir, "3.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if res.WholeReused {
		t.Error("output should not be reused after an edit")
	}
	// 参数没变，被清掉的片段从片段索引中找回，只需要重新拼接。
	if n, stitches := runner.counts(); n != 0 || stitches != 3 {
		t.Errorf("expected 0 resamples and 3 stitches, got %d and %d", n, stitches)
	}
	if res.Reused != 3 {
		t.Errorf("reused: %d", res.Reused)
	}
}

func TestRender_PartialFailureNarrowsRenderedRegion(t *testing.T) {
	runner := newFakeRunner()
	runner.failSamples["b"] = true
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b", "c")
	out := filepath.Join(t.TempDir(), "out.wav")

	res, err := e.RenderWav(context.Background(), s, out)
	if err != nil {
		t.Fatalf("a failing note should not fail the render: %v", err)
	}
	if res.Failed != 1 || res.Resampled != 2 {
		t.Errorf("failed=%d resampled=%d", res.Failed, res.Resampled)
	}
	want := song.Region{MinMs: 0, MaxMs: 480}
	if res.Rendered != want || s.Rendered() != want {
		t.Errorf("rendered region: result %s, song %s, want %s", res.Rendered, s.Rendered(), want)
	}
	if !reflect.DeepEqual(runner.stitched, []string{"a", "c"}) {
		t.Errorf("stitched segments: %v", runner.stitched)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output should still be written: %v", err)
	}
	if res.Notes[1].Status != NoteFailed {
		t.Errorf("note @480 status: %s", res.Notes[1].Status)
	}

	// 重试时只重新渲染失败的音符。
	runner.mu.Lock()
	delete(runner.failSamples, "b")
	runner.mu.Unlock()
	runner.reset()

	res, err = e.RenderWav(context.Background(), s, out)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := runner.counts(); n != 1 {
		t.Errorf("retry should resample only the failed note, got %d", n)
	}
	if res.Failed != 0 || s.Rendered() != (song.Region{MinMs: 0, MaxMs: 1440}) {
		t.Errorf("after retry: failed=%d rendered=%s", res.Failed, s.Rendered())
	}
}

func TestRender_MissingLyricBecomesSilence(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "zz", "c")

	res, err := e.RenderWav(context.Background(), s, filepath.Join(t.TempDir(), "out.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Silent != 1 || res.Failed != 0 {
		t.Errorf("silent=%d failed=%d", res.Silent, res.Failed)
	}
	if n, _ := runner.counts(); n != 2 {
		t.Errorf("missing lyric should not be resampled, got %d calls", n)
	}
	if s.Rendered() != (song.Region{MinMs: 0, MaxMs: 1440}) {
		t.Errorf("a missing lyric is not a failure, rendered=%s", s.Rendered())
	}
}

func TestRender_StitchesInNoteOrder(t *testing.T) {
	runner := newFakeRunner()
	// 越靠前的音符重采样越慢，完成顺序与音符顺序相反。
	runner.delay = func(sample string) time.Duration {
		return time.Duration('h'-sample[0]) * 3 * time.Millisecond
	}
	e := newTestEngine(t, runner, newTestVoicebank(t), func(c *config.EngineConfig) { c.PoolSize = 4 })
	lyrics := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	s := newTestSong(t, lyrics...)

	if _, err := e.RenderWav(context.Background(), s, filepath.Join(t.TempDir(), "out.wav")); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(runner.stitched, lyrics) {
		t.Errorf("stitch order: got %v, want %v", runner.stitched, lyrics)
	}
	if runner.maxInflight > 4 {
		t.Errorf("pool size exceeded: %d concurrent resamples", runner.maxInflight)
	}
}

func TestRender_BatchingDoesNotChangeOutput(t *testing.T) {
	vb := newTestVoicebank(t)
	render := func(batch int) ([]byte, int) {
		runner := newFakeRunner()
		e := newTestEngine(t, runner, vb, func(c *config.EngineConfig) { c.BatchSize = batch })
		s := song.New()
		for i, l := range []string{"a", "b", "c", "d"} {
			// 音符之间留出间隔，输出中包含静音。
			if _, err := s.AddNote(song.NewNote(i*960, 480, 60, l)); err != nil {
				t.Fatal(err)
			}
		}
		out := filepath.Join(t.TempDir(), "out.wav")
		if _, err := e.RenderWav(context.Background(), s, out); err != nil {
			t.Fatalf("batch %d: %v", batch, err)
		}
		_, stitches := runner.counts()
		return readFile(t, out), stitches
	}

	immediate, n1 := render(1)
	batched, n3 := render(3)
	if !bytes.Equal(immediate, batched) {
		t.Error("batched output differs from immediate output")
	}
	if n1 != n3 {
		t.Errorf("wavtool calls: %d vs %d", n1, n3)
	}
	if n1 != 7 {
		t.Errorf("expected 4 notes and 3 silences, got %d wavtool calls", n1)
	}
}

func TestRender_CacheDisabled(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t), func(c *config.EngineConfig) { c.CacheMode = config.CacheDisabled })
	s := newTestSong(t, "a", "b", "c")
	out := filepath.Join(t.TempDir(), "out.wav")

	for i := 0; i < 2; i++ {
		runner.reset()
		res, err := e.RenderWav(context.Background(), s, out)
		if err != nil {
			t.Fatal(err)
		}
		if n, _ := runner.counts(); n != 3 || res.Reused != 0 {
			t.Errorf("pass %d: %d resamples, %d reused", i, n, res.Reused)
		}
	}

	left, _ := filepath.Glob(filepath.Join(e.cache.Dir(), "*.wav"))
	if len(left) != 0 {
		t.Errorf("cache dir should be empty, found %v", left)
	}
}

func TestRender_Cancelled(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b")
	out := filepath.Join(t.TempDir(), "out.wav")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.RenderWav(ctx, s, out); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n, stitches := runner.counts(); n != 0 || stitches != 0 {
		t.Errorf("cancelled render invoked tools: %d resamples, %d stitches", n, stitches)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("cancelled render should not write the target")
	}
	if e.State(s) != StateIdle {
		t.Errorf("state after cancel: %s", e.State(s))
	}
	if !s.Rendered().Empty() {
		t.Errorf("rendered region should stay empty, got %s", s.Rendered())
	}
}

// startBlockedRender 开始一次会卡在重采样阶段的渲染，返回放行函数和结果通道。
func startBlockedRender(t *testing.T, e *Engine, runner *fakeRunner, s *song.Song, out string) (func(), <-chan error) {
	t.Helper()
	runner.mu.Lock()
	runner.block = make(chan struct{})
	runner.started = make(chan struct{})
	block, started := runner.block, runner.started
	runner.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := e.RenderWav(context.Background(), s, out)
		done <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("render did not start")
	}
	return func() { close(block) }, done
}

func TestRender_SecondPassOnSameSongRejected(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b")
	dir := t.TempDir()

	release, done := startBlockedRender(t, e, runner, s, filepath.Join(dir, "1.wav"))
	if e.State(s) != StateResampling {
		t.Errorf("state during render: %s", e.State(s))
	}
	if _, err := e.RenderWav(context.Background(), s, filepath.Join(dir, "2.wav")); !errors.Is(err, ErrRenderInProgress) {
		t.Errorf("expected ErrRenderInProgress, got %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("first render: %v", err)
	}
	if e.State(s) != StateIdle {
		t.Errorf("state after render: %s", e.State(s))
	}
}

func TestRender_TargetInUse(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	out := filepath.Join(t.TempDir(), "shared.wav")

	release, done := startBlockedRender(t, e, runner, newTestSong(t, "a"), out)
	_, err := e.RenderWav(context.Background(), newTestSong(t, "b"), out)
	if !errors.Is(err, ErrTargetInUse) {
		t.Errorf("expected ErrTargetInUse, got %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("first render: %v", err)
	}
}

func TestRender_UnwritableTarget(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b")

	// 目标是一个非空目录，无法被替换。
	target := filepath.Join(t.TempDir(), "busy")
	if err := os.MkdirAll(filepath.Join(target, "child"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RenderWav(context.Background(), s, target); !errors.Is(err, ErrTargetInUse) {
		t.Fatalf("expected ErrTargetInUse, got %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(target), ".busy.*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
	if !s.Rendered().Empty() {
		t.Errorf("rendered region should stay empty, got %s", s.Rendered())
	}
}

func TestRender_DuplicateNoteRejectedBeforeRender(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b")

	if _, err := s.AddNote(song.NewNote(480, 240, 65, "c")); !errors.Is(err, song.ErrNoteExists) {
		t.Fatalf("expected ErrNoteExists, got %v", err)
	}
	if _, err := e.RenderWav(context.Background(), s, filepath.Join(t.TempDir(), "out.wav")); err != nil {
		t.Fatal(err)
	}
	if n, _ := runner.counts(); n != 2 {
		t.Errorf("expected 2 resample jobs, got %d", n)
	}
}

func TestRender_SegmentStoreSurvivesRestart(t *testing.T) {
	vb := newTestVoicebank(t)
	cacheDir := t.TempDir()
	withDir := func(c *config.EngineConfig) { c.CacheDir = cacheDir }

	first := newFakeRunner()
	e1 := newTestEngine(t, first, vb, withDir)
	if _, err := e1.RenderWav(context.Background(), newTestSong(t, "a", "b"), filepath.Join(t.TempDir(), "1.wav")); err != nil {
		t.Fatal(err)
	}
	e1.Close()

	second := newFakeRunner()
	e2 := newTestEngine(t, second, vb, withDir)
	res, err := e2.RenderWav(context.Background(), newTestSong(t, "a", "b"), filepath.Join(t.TempDir(), "2.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := second.counts(); n != 0 || res.Reused != 2 {
		t.Errorf("segments should come from the store: %d resamples, %d reused", n, res.Reused)
	}
}

func TestRender_PartialBounds(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	s := newTestSong(t, "a", "b", "c", "d")

	res, err := e.Render(context.Background(), s, song.Region{MinMs: 500, MaxMs: 1000}, filepath.Join(t.TempDir(), "part.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Notes) != 2 || res.Notes[0].Start != 480 || res.Notes[1].Start != 960 {
		t.Fatalf("unexpected notes: %+v", res.Notes)
	}
	if !reflect.DeepEqual(runner.stitched, []string{"b", "c"}) {
		t.Errorf("stitched: %v", runner.stitched)
	}
	if s.Rendered() != (song.Region{MinMs: 500, MaxMs: 1000}) {
		t.Errorf("rendered region: %s", s.Rendered())
	}
}

func activeSongs(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

func TestRender_FinishedSongsAreForgotten(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t))
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		s := newTestSong(t, "a", "b")
		if _, err := e.RenderWav(context.Background(), s, filepath.Join(dir, "out.wav")); err != nil {
			t.Fatal(err)
		}
		if e.State(s) != StateIdle {
			t.Errorf("state after render: %s", e.State(s))
		}
	}
	if _, err := e.RenderWav(context.Background(), song.New(), filepath.Join(dir, "empty.wav")); err != nil {
		t.Fatal(err)
	}
	if n := activeSongs(e); n != 0 {
		t.Errorf("engine still tracks %d songs", n)
	}
}

func TestRender_ConcurrentSongsKeepEachOthersFiles(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, newTestVoicebank(t), func(c *config.EngineConfig) { c.CacheMaxMB = 1 })
	ctx := context.Background()
	dir := t.TempDir()

	// 开头有一段静音的单音符歌曲。
	lone := func() *song.Song {
		s := song.New()
		if _, err := s.AddNote(song.NewNote(1000, 480, 62, "d")); err != nil {
			t.Fatal(err)
		}
		return s
	}

	// 先让 "d" 的片段进入索引，并把记录的大小改到超过上限，之后的淘汰会先选中它。
	if _, err := e.RenderWav(ctx, lone(), filepath.Join(dir, "warm.wav")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.db.Exec(`UPDATE render_segments SET size = ?`, 2*1024*1024); err != nil {
		t.Fatal(err)
	}
	runner.reset()

	runner.mu.Lock()
	runner.holdSilence = make(chan struct{})
	runner.silenceHeld = make(chan struct{})
	hold, held := runner.holdSilence, runner.silenceHeld
	runner.mu.Unlock()

	type outcome struct {
		res *RenderResult
		err error
	}
	b := lone()
	done := make(chan outcome, 1)
	go func() {
		res, err := e.RenderWav(ctx, b, filepath.Join(dir, "b.wav"))
		done <- outcome{res, err}
	}()
	select {
	case <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("song B never reached its leading silence")
	}

	// B 卡在拼接静音之前，另一首歌完整渲染一遍。
	if _, err := e.RenderWav(ctx, newTestSong(t, "a", "b", "c"), filepath.Join(dir, "a.wav")); err != nil {
		t.Fatal(err)
	}
	close(hold)

	got := <-done
	if got.err != nil {
		t.Fatal(got.err)
	}
	if got.res.Failed != 0 || got.res.Reused != 1 {
		t.Errorf("song B: failed %d, reused %d", got.res.Failed, got.res.Reused)
	}
	want := song.Region{MinMs: 0, MaxMs: 1480}
	if got.res.Rendered != want || b.Rendered() != want {
		t.Errorf("song B rendered %s (song %s), want %s", got.res.Rendered, b.Rendered(), want)
	}
	if !reflect.DeepEqual(runner.stitched, []string{"a", "b", "c", "d"}) {
		t.Errorf("stitched: %v", runner.stitched)
	}

	leftovers, _ := filepath.Glob(filepath.Join(e.cache.Dir(), "*"+silenceSuffix))
	if len(leftovers) != 0 {
		t.Errorf("silence files left behind: %v", leftovers)
	}
	if n := activeSongs(e); n != 0 {
		t.Errorf("engine still tracks %d songs", n)
	}
}
