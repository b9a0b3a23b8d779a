package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iabetor/utsurender/internal/database"
	"github.com/iabetor/utsurender/internal/logger"
)

const (
	noteSuffix     = "_note.wav"
	silenceSuffix  = "_silence.wav"
	renderedSuffix = "_rendered.wav"
)

// CacheManager 在缓存目录下分配中间文件，并负责清理。
type CacheManager struct {
	dir string
}

// NewCacheManager 创建缓存管理器，目录不存在时自动创建。
func NewCacheManager(dir string) (*CacheManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &CacheManager{dir: dir}, nil
}

// Dir 返回缓存目录。
func (c *CacheManager) Dir() string { return c.dir }

// NewNotePath 返回一个新的音符片段路径。
func (c *CacheManager) NewNotePath() string { return c.newPath(noteSuffix) }

// NewSilencePath 返回一个新的静音片段路径。
func (c *CacheManager) NewSilencePath() string { return c.newPath(silenceSuffix) }

// NewRenderedPath 返回一个新的整轨输出路径。
func (c *CacheManager) NewRenderedPath() string { return c.newPath(renderedSuffix) }

func (c *CacheManager) newPath(suffix string) string {
	return filepath.Join(c.dir, uuid.NewString()+suffix)
}

// ClearSilences 删除目录中所有静音片段，只在引擎启动时调用。
func (c *CacheManager) ClearSilences() int { return c.clear(silenceSuffix) }

// ClearNotes 删除目录中所有音符片段，关闭缓存的引擎启动时调用。
func (c *CacheManager) ClearNotes() int { return c.clear(noteSuffix) }

func (c *CacheManager) clear(suffix string) int {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*"+suffix))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			logger.Warnf("[cache] 删除缓存文件失败: %s: %v", m, err)
			continue
		}
		removed++
	}
	return removed
}

// Remove 删除单个缓存文件，路径为空或文件不存在时什么也不做。
func (c *CacheManager) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("[cache] 删除缓存文件失败: %s: %v", path, err)
	}
}

// SegmentStore 是持久化的片段索引：重采样参数指纹 → 片段文件。
// 重启后参数未变的音符直接复用旧片段；总大小超过上限时淘汰最久未使用的片段。
type SegmentStore struct {
	mu       sync.Mutex
	db       *database.DB
	maxBytes int64
}

// OpenSegmentStore 打开片段索引数据库。maxMB <= 0 表示不限制大小。
func OpenSegmentStore(dbPath string, maxMB int64) (*SegmentStore, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return &SegmentStore{db: db, maxBytes: maxMB * 1024 * 1024}, nil
}

// Lookup 查找指纹对应的片段文件。记录存在但文件已丢失时删除记录并返回未命中。
func (s *SegmentStore) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var path string
	err := s.db.QueryRow(`SELECT path FROM render_segments WHERE cache_key = ?`, key).Scan(&path)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Warnf("[cache] 查询片段索引失败: %v", err)
		}
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		s.db.Exec(`DELETE FROM render_segments WHERE cache_key = ?`, key)
		return "", false
	}
	if _, err := s.db.Exec(`UPDATE render_segments SET last_used = ? WHERE cache_key = ?`,
		time.Now().UnixNano(), key); err != nil {
		logger.Warnf("[cache] 更新片段使用时间失败: %v", err)
	}
	return path, true
}

// Put 记录一个新生成的片段。
func (s *SegmentStore) Put(key, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("片段文件不存在: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixNano()
	_, err = s.db.Exec(`INSERT INTO render_segments (cache_key, path, size, created_at, last_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET path = excluded.path, size = excluded.size, last_used = excluded.last_used`,
		key, path, info.Size(), now, now)
	if err != nil {
		return fmt.Errorf("写入片段索引失败: %w", err)
	}
	return nil
}

// Evict 在总大小超过上限时按最久未使用的顺序删除片段。protect 中的文件不会被删除。
// 返回删除的片段数。
func (s *SegmentStore) Evict(protect map[string]bool) int {
	if s.maxBytes <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM render_segments`).Scan(&total); err != nil {
		logger.Warnf("[cache] 统计片段大小失败: %v", err)
		return 0
	}
	if total <= s.maxBytes {
		return 0
	}

	type row struct {
		key  string
		path string
		size int64
	}
	rows, err := s.db.Query(`SELECT cache_key, path, size FROM render_segments ORDER BY last_used ASC`)
	if err != nil {
		logger.Warnf("[cache] 查询片段索引失败: %v", err)
		return 0
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.path, &r.size); err != nil {
			continue
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	evicted := 0
	for _, r := range candidates {
		if total <= s.maxBytes {
			break
		}
		if protect[r.path] {
			continue
		}
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("[cache] 删除片段失败: %s: %v", r.path, err)
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM render_segments WHERE cache_key = ?`, r.key); err != nil {
			logger.Warnf("[cache] 删除片段索引失败: %v", err)
		}
		total -= r.size
		evicted++
	}
	if evicted > 0 {
		logger.Infof("[cache] 淘汰 %d 个片段，剩余 %d bytes", evicted, total)
	}
	return evicted
}

// Close 关闭数据库。
func (s *SegmentStore) Close() error {
	return s.db.Close()
}
