// Package song 保存一条音轨的音符和它的渲染缓存状态。
package song

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/iabetor/utsurender/internal/logger"
)

// DefaultTempo 是新建歌曲的曲速，此时音符毫秒数等于实际毫秒数。
const DefaultTempo = 125.0

var (
	// ErrNoteExists 表示同一位置已经有音符。
	ErrNoteExists = errors.New("该位置已有音符")
	// ErrNoteNotFound 表示指定位置没有音符。
	ErrNoteNotFound = errors.New("该位置没有音符")
)

// NoteExistsError 携带冲突的位置，errors.Is(err, ErrNoteExists) 为真。
type NoteExistsError struct {
	Start int
}

func (e *NoteExistsError) Error() string {
	return fmt.Sprintf("%d ms 处已有音符", e.Start)
}

func (e *NoteExistsError) Unwrap() error { return ErrNoteExists }

// Segment 是某个音符重采样后的中间文件，Key 为生成它的参数指纹。
type Segment struct {
	Path string
	Key  string
}

// Valid 判断片段是否存在。
func (s Segment) Valid() bool { return s.Path != "" }

type entry struct {
	note    Note
	segment Segment
}

// Song 是一条音轨：按起点排序的音符，加上已渲染区间标记。
// 所有方法并发安全；已渲染区间只由渲染器通过 Commit 写入。
type Song struct {
	mu sync.Mutex

	tempo float64
	flags string
	notes []*entry

	// version 每次编辑或失效都会递增，渲染器用它判断快照是否过期。
	version         uint64
	rendered        Region
	renderedVersion uint64
	output          string
}

// New 创建空歌曲。
func New() *Song {
	return &Song{tempo: DefaultTempo}
}

// Tempo 返回曲速（BPM）。
func (s *Song) Tempo() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempo
}

// SetTempo 修改曲速，所有已渲染内容失效。
func (s *Song) SetTempo(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("曲速必须为正: %v", bpm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempo == bpm {
		return nil
	}
	s.tempo = bpm
	s.invalidateAllLocked()
	return nil
}

// Flags 返回整首歌的重采样 flags。
func (s *Song) Flags() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// SetFlags 修改整首歌的 flags，所有已渲染内容失效。
func (s *Song) SetFlags(flags string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags == flags {
		return
	}
	s.flags = flags
	s.invalidateAllLocked()
}

// Len 返回音符数量。
func (s *Song) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

// Notes 返回所有音符的拷贝，按起点排序。
func (s *Song) Notes() []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Note, len(s.notes))
	for i, e := range s.notes {
		out[i] = e.note.Clone()
	}
	return out
}

// Note 返回 start 处的音符。
func (s *Song) Note(start int) (Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexLocked(start)
	if !ok {
		return Note{}, false
	}
	return s.notes[i].note.Clone(), true
}

// Version 返回当前编辑版本。
func (s *Song) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Rendered 返回已渲染区间。
func (s *Song) Rendered() Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// AddNote 放入一个新音符并返回分配的 ID。
// 同一位置已有音符时返回 *NoteExistsError，歌曲不变。
func (s *Song) AddNote(n Note) (string, error) {
	if err := n.validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, exists := s.indexLocked(n.Start)
	if exists {
		return "", &NoteExistsError{Start: n.Start}
	}
	n = n.Clone()
	n.ID = uuid.NewString()

	s.notes = append(s.notes, nil)
	copy(s.notes[i+1:], s.notes[i:])
	s.notes[i] = &entry{note: n}

	s.markUnrenderedLocked(n.Span())
	logger.Debugf("[song] 添加音符 %s @%d (%d ms)", n.Lyric, n.Start, n.Duration)
	return n.ID, nil
}

// RemoveNote 删除 start 处的音符。
func (s *Song) RemoveNote(start int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexLocked(start)
	if !ok {
		return fmt.Errorf("删除音符 @%d: %w", start, ErrNoteNotFound)
	}
	removed := s.notes[i].note
	s.notes = append(s.notes[:i], s.notes[i+1:]...)

	s.markUnrenderedLocked(removed.Span())
	logger.Debugf("[song] 删除音符 %s @%d", removed.Lyric, removed.Start)
	return nil
}

// ModifyNote 用 update 替换 start 处的音符。update.Start 可以不同于 start，
// 但不能与其他音符冲突。替换后的音符获得新的 ID。
func (s *Song) ModifyNote(start int, update Note) (string, error) {
	if err := update.validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexLocked(start)
	if !ok {
		return "", fmt.Errorf("修改音符 @%d: %w", start, ErrNoteNotFound)
	}
	if update.Start != start {
		if _, taken := s.indexLocked(update.Start); taken {
			return "", &NoteExistsError{Start: update.Start}
		}
	}

	old := s.notes[i].note
	s.notes = append(s.notes[:i], s.notes[i+1:]...)

	update = update.Clone()
	update.ID = uuid.NewString()
	j, _ := s.indexLocked(update.Start)
	s.notes = append(s.notes, nil)
	copy(s.notes[j+1:], s.notes[j:])
	s.notes[j] = &entry{note: update}

	s.markUnrenderedLocked(old.Span())
	s.markUnrenderedLocked(update.Span())
	return update.ID, nil
}

// MarkUnrendered 把 region 从已渲染区间中去掉，并丢弃与之相交的音符片段。
// 编辑器在音符被编辑时调用。
func (s *Song) MarkUnrendered(region Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markUnrenderedLocked(region)
}

func (s *Song) markUnrenderedLocked(region Region) {
	s.version++
	if region.Empty() {
		return
	}
	before := s.rendered
	s.rendered = s.rendered.Subtract(region)
	for _, e := range s.notes {
		if e.note.Span().Intersects(region) {
			e.segment = Segment{}
		}
	}
	if before != s.rendered {
		logger.Debugf("[song] 已渲染区间 %s → %s", before, s.rendered)
	}
}

// InvalidateAll 清空已渲染区间和所有音符片段。
func (s *Song) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateAllLocked()
}

func (s *Song) invalidateAllLocked() {
	s.version++
	s.rendered = Invalid
	for _, e := range s.notes {
		e.segment = Segment{}
	}
}

// indexLocked 返回 start 在有序音符中的位置，以及该位置是否已有音符。
func (s *Song) indexLocked(start int) (int, bool) {
	i := sort.Search(len(s.notes), func(i int) bool { return s.notes[i].note.Start >= start })
	return i, i < len(s.notes) && s.notes[i].note.Start == start
}

// lengthLocked 返回第 i 个音符占据的长度：到下一个音符起点的距离，最后一个音符为自身时长。
func (s *Song) lengthLocked(i int) int {
	if i+1 < len(s.notes) {
		return s.notes[i+1].note.Start - s.notes[i].note.Start
	}
	return s.notes[i].note.Duration
}

// spanLocked 返回整首歌的时间范围 [0, 最后一个音符结束)。
func (s *Song) spanLocked() Region {
	if len(s.notes) == 0 {
		return Invalid
	}
	return Region{MinMs: 0, MaxMs: s.notes[len(s.notes)-1].note.End()}
}
