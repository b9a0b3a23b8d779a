package song

import "github.com/iabetor/utsurender/internal/logger"

// PlacedNote 是快照中的音符，附带它在轨道上占据的长度和已有片段。
type PlacedNote struct {
	Note
	// Length 为到下一个音符起点的距离，最后一个音符等于 Duration。
	Length  int
	Segment Segment
}

// Snapshot 是一次渲染开始时歌曲状态的只读拷贝。
type Snapshot struct {
	Tempo float64
	Flags string

	// Notes 为与渲染区间相交的连续音符。
	Notes []PlacedNote
	// Prev 为 Notes[0] 之前的音符，仅用作上下文（滑音起点、别名推断）。
	Prev *PlacedNote
	// Next 为最后一个相交音符之后的音符，仅用作上下文（相接判断、淡出）。
	Next *PlacedNote

	Bounds   Region
	Span     Region
	Version  uint64
	Rendered Region
	// RenderedVersion 为已渲染区间写入时的版本。
	RenderedVersion uint64
	Output          string
}

// Empty 判断快照中是否没有需要渲染的音符。
func (s Snapshot) Empty() bool { return len(s.Notes) == 0 }

// Snapshot 拷贝与 bounds 相交的音符：从第一个相交的音符开始，到第一个不相交的音符为止。
func (s *Song) Snapshot(bounds Region) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Tempo:           s.tempo,
		Flags:           s.flags,
		Bounds:          bounds,
		Span:            s.spanLocked(),
		Version:         s.version,
		Rendered:        s.rendered,
		RenderedVersion: s.renderedVersion,
		Output:          s.output,
	}

	first := -1
	for i, e := range s.notes {
		if bounds.Intersects(e.note.Span()) {
			first = i
			break
		}
	}
	if first < 0 {
		return snap
	}
	if first > 0 {
		prev := s.placedLocked(first - 1)
		snap.Prev = &prev
	}
	i := first
	for ; i < len(s.notes); i++ {
		if !bounds.Intersects(s.notes[i].note.Span()) {
			break
		}
		snap.Notes = append(snap.Notes, s.placedLocked(i))
	}
	if i < len(s.notes) {
		next := s.placedLocked(i)
		snap.Next = &next
	}
	return snap
}

func (s *Song) placedLocked(i int) PlacedNote {
	e := s.notes[i]
	return PlacedNote{Note: e.note.Clone(), Length: s.lengthLocked(i), Segment: e.segment}
}

// RenderCommit 是一次渲染完成后写回歌曲的结果。
type RenderCommit struct {
	// Version 为渲染所用快照的版本。
	Version uint64
	// Segments 按音符 ID 记录新生成或复用的片段。
	Segments map[string]Segment
	// Rendered 为本次实际渲染成功的区间。
	Rendered Region
	// Output 为本次拼接出的整轨文件。
	Output string
}

// Commit 写回渲染结果。快照之后歌曲被编辑过时什么也不做并返回 false，
// 下一次渲染会重新计算。replaced 为被替换掉的旧整轨文件，由调用方删除。
func (s *Song) Commit(c RenderCommit) (replaced string, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Version != s.version {
		logger.Infof("[song] 渲染期间歌曲已修改（版本 %d → %d），丢弃渲染结果", c.Version, s.version)
		return "", false
	}
	for _, e := range s.notes {
		if seg, ok := c.Segments[e.note.ID]; ok {
			e.segment = seg
		}
	}

	s.rendered = c.Rendered.Intersect(s.spanLocked())
	s.renderedVersion = s.version
	if c.Output != s.output {
		replaced = s.output
		s.output = c.Output
	}
	logger.Debugf("[song] 已渲染区间更新为 %s", s.rendered)
	return replaced, true
}

// Reset 清空整轨缓存文件记录并返回旧文件路径，用于关闭缓存时。
func (s *Song) Reset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.output
	s.output = ""
	s.invalidateAllLocked()
	return old
}
