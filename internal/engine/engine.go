// Package engine 把歌曲渲染成 WAV：并发调用外部重采样器生成音符片段，
// 再按音符顺序调用外部拼接工具把片段接成整轨。
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iabetor/utsurender/internal/audio"
	"github.com/iabetor/utsurender/internal/config"
	"github.com/iabetor/utsurender/internal/curve"
	"github.com/iabetor/utsurender/internal/logger"
	"github.com/iabetor/utsurender/internal/process"
	"github.com/iabetor/utsurender/internal/song"
	"github.com/iabetor/utsurender/internal/voicebank"
)

var (
	// ErrRenderInProgress 表示同一首歌已有一次渲染在进行。
	ErrRenderInProgress = errors.New("该歌曲正在渲染")
	// ErrTargetInUse 表示输出文件正被另一次渲染写入，或无法替换。
	ErrTargetInUse = errors.New("输出文件正在使用")
)

// segmentDBName 是片段索引数据库在缓存目录中的文件名。
const segmentDBName = "segments.db"

// NoteStatus 是单个音符在一次渲染中的结果。
type NoteStatus int

const (
	NoteResampled NoteStatus = iota
	NoteReused
	NoteFailed
	// NoteSilent 表示音源中找不到歌词，以静音代替。
	NoteSilent
)

var noteStatusNames = [...]string{"resampled", "reused", "failed", "silent"}

func (s NoteStatus) String() string {
	if int(s) < len(noteStatusNames) {
		return noteStatusNames[s]
	}
	return "unknown"
}

// NoteReport 描述一个音符的渲染结果。
type NoteReport struct {
	Start  int
	Lyric  string
	Alias  string
	Status NoteStatus
	// Anchors 为实际使用的音量包络折线。
	Anchors [7]curve.Anchor
}

// RenderResult 是一次渲染的统计。
type RenderResult struct {
	Output string

	Resampled int
	Reused    int
	Failed    int
	Silent    int
	// WholeReused 为 true 表示直接复制了上一次的整轨输出，没有调用任何外部工具。
	WholeReused bool

	// Rendered 为本次渲染成功的区间，有音符失败时截止到第一个失败的音符。
	Rendered song.Region
	Duration time.Duration
	Notes    []NoteReport
}

// Engine 是渲染调度器。同一个 Engine 可以同时渲染多首歌，但每首歌同一时间只有一次渲染。
type Engine struct {
	cfg       config.EngineConfig
	vb        voicebank.Voicebank
	runner    process.Runner
	resampler *Resampler
	factory   curve.Factory
	cache     *CacheManager
	store     *SegmentStore

	mu      sync.Mutex
	// states 只保存正在渲染的歌曲，渲染结束后删除。
	states  map[*song.Song]*StateMachine
	targets map[string]bool

	// pinMu 保护 pinned，查找复用片段与淘汰不会交错。
	pinMu  sync.Mutex
	// pinned 记录各次渲染正在复用的片段文件及引用数。
	pinned map[string]int
}

// New 创建渲染引擎。runner 为 nil 时使用全局进程管理器。
func New(cfg config.EngineConfig, vb voicebank.Voicebank, runner process.Runner) (*Engine, error) {
	if cfg.Resampler == "" {
		return nil, errors.New("未配置重采样器路径")
	}
	if cfg.Wavtool == "" {
		return nil, errors.New("未配置拼接工具路径")
	}
	if vb == nil {
		return nil, errors.New("未加载音源")
	}
	if runner == nil {
		runner = process.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.CacheMode == "" {
		cfg.CacheMode = config.CacheEnabled
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "utsurender-cache")
	}

	cache, err := NewCacheManager(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		vb:        vb,
		runner:    runner,
		resampler: NewResampler(cfg.Resampler, runner),
		factory:   curve.Factory{LegacyLinearS: cfg.LegacyLinearS},
		cache:     cache,
		states:    make(map[*song.Song]*StateMachine),
		targets:   make(map[string]bool),
		pinned:    make(map[string]int),
	}

	// 上次异常退出时留下的中间文件。
	if n := e.cache.ClearSilences(); n > 0 {
		logger.Infof("[engine] 清理了 %d 个残留的静音片段", n)
	}

	if e.cacheEnabled() {
		store, err := OpenSegmentStore(filepath.Join(cfg.CacheDir, segmentDBName), cfg.CacheMaxMB)
		if err != nil {
			// 没有索引时仍可复用同一进程内的片段。
			logger.Warnf("[engine] 片段索引不可用: %v", err)
		} else {
			e.store = store
		}
	} else {
		e.cache.ClearNotes()
	}

	logger.Infof("[engine] 渲染引擎已创建: 并发 %d, 批量 %d, 缓存 %s (%s)",
		cfg.PoolSize, cfg.BatchSize, cfg.CacheMode, cfg.CacheDir)
	return e, nil
}

// Close 关闭片段索引。
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *Engine) cacheEnabled() bool {
	return e.cfg.CacheMode != config.CacheDisabled
}

// State 返回歌曲当前的渲染阶段，没有在渲染的歌曲为 Idle。
func (e *Engine) State(s *song.Song) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sm, ok := e.states[s]; ok {
		return sm.Current()
	}
	return StateIdle
}

// begin 登记歌曲的一次渲染，同一首歌已有渲染在进行时返回 nil。
func (e *Engine) begin(s *song.Song) *StateMachine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.states[s]; busy {
		return nil
	}
	sm := NewStateMachine(stageLogger(s.Len()))
	sm.Transition(StateResampling)
	e.states[s] = sm
	return sm
}

// finish 结束渲染并忘掉这首歌。
func (e *Engine) finish(s *song.Song, sm *StateMachine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sm.ForceIdle()
	delete(e.states, s)
}

func stageLogger(notes int) StageFunc {
	return func(from, to State, spent time.Duration) {
		logger.Z.Debug("[engine] 渲染阶段变化",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Duration("spent", spent),
			zap.Int("notes", notes))
	}
}

func (e *Engine) claimTarget(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.targets[path] {
		return fmt.Errorf("%w: %s", ErrTargetInUse, path)
	}
	e.targets[path] = true
	return nil
}

func (e *Engine) releaseTarget(path string) {
	e.mu.Lock()
	delete(e.targets, path)
	e.mu.Unlock()
}

// RenderWav 渲染整首歌到 out。
func (e *Engine) RenderWav(ctx context.Context, s *song.Song, out string) (*RenderResult, error) {
	return e.Render(ctx, s, song.WholeSong, out)
}

// job 是一个需要片段的音符。
type job struct {
	plan *plan
	req  ResampleRequest
	key  string

	seg    song.Segment
	reused bool
	// owner 不为 nil 时与 owner 参数相同，共用它的结果。
	owner *job
	err   error
}

func (j *job) result() (song.Segment, error) {
	if j.owner != nil {
		return j.owner.seg, j.owner.err
	}
	return j.seg, j.err
}

// Render 渲染歌曲中与 bounds 相交的音符，结果写入 target。
//
// 外部工具失败不会让 Render 返回错误：失败的音符以静音代替，
// 歌曲的已渲染区间只推进到第一个失败的音符，下次渲染会重试它。
// 只有取消、输出文件无法写入或同一首歌/同一输出文件已在渲染时才返回错误。
func (e *Engine) Render(ctx context.Context, s *song.Song, bounds song.Region, target string) (*RenderResult, error) {
	if target == "" {
		return nil, errors.New("未指定输出文件")
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("解析输出路径失败: %w", err)
	}

	sm := e.begin(s)
	if sm == nil {
		return nil, ErrRenderInProgress
	}
	defer e.finish(s, sm)

	if err := e.claimTarget(abs); err != nil {
		return nil, err
	}
	defer e.releaseTarget(abs)

	if !e.cacheEnabled() {
		e.cache.Remove(s.Reset())
	}

	start := time.Now()
	snap := s.Snapshot(bounds)
	res := &RenderResult{Output: target}

	if snap.Empty() {
		logger.Infof("[engine] 区间 %s 内没有音符，输出空文件", bounds)
		err := writeAtomic(abs, func(tmp string) error {
			return audio.WriteEmpty(tmp, e.cfg.SampleRate)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	clipped := bounds.Intersect(snap.Span)
	if e.reusable(snap, clipped) {
		if err := writeAtomic(abs, func(tmp string) error { return copyFile(snap.Output, tmp) }); err != nil {
			return nil, err
		}
		res.WholeReused = true
		res.Reused = len(snap.Notes)
		res.Rendered = clipped
		res.Duration = probeDuration(abs)
		logger.Infof("[engine] 区间 %s 未修改，复用上次输出", clipped)
		return res, nil
	}

	plans := buildPlans(snap, e.vb)
	jobs := e.prepareJobs(snap, plans)
	defer e.unpin(jobs)
	pending := e.dispatch(ctx, jobs)

	if err := ctx.Err(); err != nil {
		e.discard(pending)
		return nil, fmt.Errorf("渲染已取消: %w", err)
	}

	if !sm.Transition(StateStitching) {
		e.discard(pending)
		return nil, ErrRenderInProgress
	}

	output := e.cache.NewRenderedPath()
	failedAt, err := e.stitch(ctx, snap, plans, jobs, clipped, output, res)
	if err != nil {
		e.cache.Remove(output)
		e.discard(pending)
		return nil, err
	}

	if err := writeAtomic(abs, func(tmp string) error { return copyFile(output, tmp) }); err != nil {
		e.cache.Remove(output)
		e.discard(pending)
		return nil, err
	}

	res.Rendered = song.Region{MinMs: clipped.MinMs, MaxMs: failedAt}.Intersect(clipped)
	e.commit(s, snap, jobs, pending, res.Rendered, output)

	res.Duration = probeDuration(abs)
	logger.Infof("[engine] 渲染完成 %s: %d 个音符, 重采样 %d, 复用 %d, 失败 %d, 静音 %d, 耗时 %s",
		res.Rendered, len(snap.Notes), res.Resampled, res.Reused, res.Failed, res.Silent,
		time.Since(start).Round(time.Millisecond))
	return res, nil
}

// reusable 判断上次的整轨输出能否直接复用。
func (e *Engine) reusable(snap song.Snapshot, clipped song.Region) bool {
	if !e.cacheEnabled() || snap.Output == "" {
		return false
	}
	if snap.RenderedVersion != snap.Version || snap.Rendered != clipped {
		return false
	}
	_, err := os.Stat(snap.Output)
	return err == nil
}

// prepareJobs 为每个能找到采样的音符计算重采样参数，并确定能否复用已有片段。
// 返回的切片与 plans.notes 一一对应，找不到采样的音符为 nil。
func (e *Engine) prepareJobs(snap song.Snapshot, plans planSet) []*job {
	scale := 125 / snap.Tempo
	pc := e.pitchCurve(snap)

	jobs := make([]*job, len(plans.notes))
	byKey := make(map[string]*job)
	for i, p := range plans.notes {
		if !p.found {
			continue
		}
		flags := p.note.Flags
		if flags == "" {
			flags = snap.Flags
		}
		first := curve.FirstStep(p.expectedStart())
		last := curve.LastStep(p.expectedStart() + p.adjustedLength)

		j := &job{plan: p}
		j.req = ResampleRequest{
			Input:       p.cfg.Path,
			Pitch:       song.NoteNumToPitch(p.note.NoteNum),
			Velocity:    p.note.Velocity,
			Flags:       flags,
			Offset:      p.cfg.Offset,
			LengthMs:    p.adjustedLength*scale + 1,
			Consonant:   p.cfg.Consonant,
			Cutoff:      p.cfg.Cutoff,
			Intensity:   p.note.Intensity,
			Modulation:  p.note.Modulation,
			Tempo:       snap.Tempo,
			PitchString: pc.Render(first, last, p.note.NoteNum),
		}
		j.key = e.resampler.Key(j.req)
		jobs[i] = j

		if !e.cacheEnabled() {
			continue
		}
		if seg, ok := e.reuse(p.note.Segment, j.key); ok {
			j.seg, j.reused = seg, true
			continue
		}
		if owner, ok := byKey[j.key]; ok {
			j.owner = owner
			continue
		}
		byKey[j.key] = j
	}
	return jobs
}

// reuse 先看音符自己的片段，再查片段索引。找到的片段登记为使用中，
// 直到 unpin 之前不会被任何一次渲染淘汰。
func (e *Engine) reuse(own song.Segment, key string) (song.Segment, bool) {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()

	var seg song.Segment
	switch {
	case own.Valid() && own.Key == key && fileExists(own.Path):
		seg = own
	case e.store != nil:
		path, ok := e.store.Lookup(key)
		if !ok {
			return seg, false
		}
		seg = song.Segment{Path: path, Key: key}
	default:
		return seg, false
	}
	e.pinned[seg.Path]++
	return seg, true
}

func (e *Engine) unpin(jobs []*job) {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	for _, j := range jobs {
		if j == nil || !j.reused {
			continue
		}
		if e.pinned[j.seg.Path]--; e.pinned[j.seg.Path] <= 0 {
			delete(e.pinned, j.seg.Path)
		}
	}
}

// evict 淘汰片段，跳过 protect 和所有渲染中正在复用的片段。
func (e *Engine) evict(protect map[string]bool) {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	for path := range e.pinned {
		protect[path] = true
	}
	e.store.Evict(protect)
}

// pitchCurve 用快照中的音符（含上下文音符）构建音高曲线。
func (e *Engine) pitchCurve(snap song.Snapshot) *curve.PitchCurve {
	pc := curve.NewPitchCurve(e.factory)
	all, _ := contextNotes(snap)
	for i, n := range all {
		prevNoteNum := n.NoteNum
		if i > 0 {
			prevNoteNum = all[i-1].NoteNum
		}
		pc.AddNote(n.Start, n.Duration, n.Pitchbend, prevNoteNum, n.NoteNum)
	}
	return pc
}

// dispatch 在有界的协程池中运行所有需要重采样的任务，等待全部结束后返回它们。
// 单个任务失败只记录在任务上，不影响其他任务。
func (e *Engine) dispatch(ctx context.Context, jobs []*job) []*job {
	var pending []*job
	for _, j := range jobs {
		if j != nil && !j.reused && j.owner == nil {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	logger.Infof("[engine] 开始重采样 %d 个音符（并发 %d）", len(pending), e.cfg.PoolSize)

	var g errgroup.Group
	g.SetLimit(e.cfg.PoolSize)
	for _, j := range pending {
		j := j
		j.req.Output = e.cache.NewNotePath()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				j.err = err
				return nil
			}
			if err := e.resampler.Resample(ctx, j.req); err != nil {
				logger.Warnf("[engine] 音符 %q @%d 重采样失败，以静音代替: %v",
					j.plan.note.Lyric, j.plan.note.Start, err)
				j.err = err
				return nil
			}
			j.seg = song.Segment{Path: j.req.Output, Key: j.key}
			return nil
		})
	}
	g.Wait()
	return pending
}

// discard 删除未被采用的新片段。片段已进入索引时保留，下次渲染仍可复用。
func (e *Engine) discard(pending []*job) {
	for _, j := range pending {
		if j.err != nil || e.store == nil || !e.cacheEnabled() {
			e.cache.Remove(j.req.Output)
			continue
		}
		if err := e.store.Put(j.key, j.seg.Path); err != nil {
			e.cache.Remove(j.req.Output)
		}
	}
}

// stitch 按音符顺序把片段和静音交给拼接工具，返回第一个失败音符的位置
// （全部成功时为 clipped.MaxMs）。
func (e *Engine) stitch(ctx context.Context, snap song.Snapshot, plans planSet, jobs []*job,
	clipped song.Region, output string, res *RenderResult) (int, error) {
	scale := 125 / snap.Tempo

	// 静音文件只属于这一次渲染，拼接结束后删除。
	var silences []string
	defer func() {
		for _, path := range silences {
			e.cache.Remove(path)
		}
	}()
	newSilence := func(durationMs float64) (string, error) {
		path := e.cache.NewSilencePath()
		silences = append(silences, path)
		return path, e.writeSilence(path, durationMs)
	}
	st := NewStitcher(e.cfg.Wavtool, e.runner, output, snap.Tempo, float64(clipped.MinMs),
		e.cfg.BatchSize, newSilence)

	failedAt := clipped.MaxMs
	record := func(err error) {
		if err == nil {
			return
		}
		pos := clipped.MinMs
		var se *StitchError
		if errors.As(err, &se) {
			pos = se.Position
		}
		failedAt = min(failedAt, pos)
	}

	// 时长按未缩放的毫秒给出；非结尾的静音时长不为正时跳过。
	silence := func(durationMs float64, at int, last bool) {
		if durationMs <= 0 && !last {
			return
		}
		record(st.AppendSilence(ctx, SilenceAppend{
			Position:   at,
			DurationMs: max(durationMs, 0) * scale,
			ExpectedMs: float64(at) * scale,
			Last:       last,
		}))
	}

	for i, p := range plans.notes {
		prev, next := plans.neighbors(i)
		last := i == len(plans.notes)-1
		note := p.note

		if i == 0 {
			if gap := float64(note.Start) - p.realPreutter - float64(clipped.MinMs); gap > 0 {
				silence(gap, clipped.MinMs, false)
			}
		}

		report := NoteReport{Start: note.Start, Lyric: note.Lyric, Alias: p.cfg.Alias}
		if !p.found {
			logger.Warnf("[engine] 音源中找不到歌词 %q，以静音代替", note.Lyric)
			res.Silent++
			report.Status = NoteSilent
			res.Notes = append(res.Notes, report)
			if last {
				silence(float64(note.Length), note.Start, true)
			} else {
				silence(float64(note.Length)-next.realPreutter, note.Start, false)
			}
			continue
		}

		report.Anchors = p.envelope.Anchors(float64(note.Start), p.realPreutter, p.adjustedLength)
		includeOverlap := touching(prev, p)
		seg, err := jobs[i].result()
		switch {
		case err != nil:
			res.Failed++
			report.Status = NoteFailed
			failedAt = min(failedAt, note.Start)

			// 用等长静音占住失败音符的位置，后面的音符时间不变。
			length := p.adjustedLength * scale
			overlap := 0.0
			if includeOverlap {
				overlap = max(0, min(p.envelope.FadeIn(), length))
			}
			record(st.AppendSilence(ctx, SilenceAppend{
				Position:   note.Start,
				DurationMs: length - overlap,
				ExpectedMs: p.expectedStart()*scale + overlap,
				Last:       last,
			}))
		default:
			if jobs[i].reused {
				res.Reused++
				report.Status = NoteReused
			} else {
				res.Resampled++
				report.Status = NoteResampled
			}
			record(st.AppendNote(ctx, NoteAppend{
				Input:          seg.Path,
				Position:       note.Start,
				StartPoint:     p.startPoint(),
				LengthMs:       p.adjustedLength,
				ExpectedMs:     p.expectedStart(),
				Envelope:       p.envelope,
				IncludeOverlap: includeOverlap,
				Last:           last,
			}))
		}
		res.Notes = append(res.Notes, report)

		if !last && !touching(p, next) {
			silence(float64(note.Length-note.Duration)-next.realPreutter, note.Start+note.Duration, false)
		}
	}
	record(st.Flush(ctx))

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("渲染已取消: %w", err)
	}
	if !fileExists(output) {
		// 所有拼接调用都失败时仍输出一个合法的空 WAV。
		if err := audio.WriteEmpty(output, e.cfg.SampleRate); err != nil {
			return 0, fmt.Errorf("写入空输出失败: %w", err)
		}
	}
	return failedAt, nil
}

func (e *Engine) writeSilence(path string, durationMs float64) error {
	// 多留 1ms，拼接工具按 length 截取。
	return audio.WriteSilence(path, durationMs+1, e.cfg.SampleRate)
}

// commit 把片段和已渲染区间写回歌曲，并整理缓存文件。
func (e *Engine) commit(s *song.Song, snap song.Snapshot, jobs []*job, pending []*job,
	rendered song.Region, output string) {
	if !e.cacheEnabled() {
		s.Commit(song.RenderCommit{Version: snap.Version, Rendered: rendered})
		e.cache.Remove(output)
		for _, j := range pending {
			e.cache.Remove(j.req.Output)
		}
		return
	}

	segments := make(map[string]song.Segment)
	protect := make(map[string]bool)
	for _, j := range jobs {
		if j == nil {
			continue
		}
		seg, err := j.result()
		if err != nil {
			continue
		}
		segments[j.plan.note.ID] = seg
		protect[seg.Path] = true
	}

	replaced, applied := s.Commit(song.RenderCommit{
		Version:  snap.Version,
		Segments: segments,
		Rendered: rendered,
		Output:   output,
	})
	if !applied {
		e.cache.Remove(output)
	} else if replaced != "" && replaced != output {
		e.cache.Remove(replaced)
	}

	if e.store == nil {
		if !applied {
			e.discard(pending)
		}
		return
	}
	for _, j := range pending {
		if j.err != nil {
			e.cache.Remove(j.req.Output)
			continue
		}
		if err := e.store.Put(j.key, j.seg.Path); err != nil {
			logger.Warnf("[engine] 记录片段失败: %v", err)
		}
	}
	e.evict(protect)
}

// writeAtomic 先写到 target 同目录下的临时文件，成功后再改名，失败时不会留下半个文件。
func writeAtomic(target string, write func(tmp string) error) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetInUse, err)
	}
	tmp := f.Name()
	f.Close()

	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入输出文件失败: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrTargetInUse, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func probeDuration(path string) time.Duration {
	d, err := audio.Duration(path)
	if err != nil {
		logger.Debugf("[engine] 读取输出时长失败: %v", err)
		return 0
	}
	return d
}
