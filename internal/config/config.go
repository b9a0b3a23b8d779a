package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 是渲染器的顶层配置结构。
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Voicebank VoicebankConfig `yaml:"voicebank"`
	Log       LogConfig       `yaml:"log"`
}

// CacheMode 控制音符片段缓存策略。
type CacheMode string

const (
	CacheEnabled  CacheMode = "enabled"
	CacheDisabled CacheMode = "disabled"
)

// EngineConfig 渲染引擎配置。
type EngineConfig struct {
	// Resampler 外部重采样器可执行文件路径。
	Resampler string `yaml:"resampler"`
	// Wavtool 外部拼接工具可执行文件路径。
	Wavtool string `yaml:"wavtool"`

	// PoolSize 并发重采样任务数，默认等于 CPU 数。
	PoolSize int `yaml:"pool_size"`

	// BatchSize 拼接工具批量调用的条数，1 表示每段立即调用。
	// 批量只影响进程启动时机，不改变输出波形。
	BatchSize int `yaml:"batch_size"`

	CacheMode  CacheMode `yaml:"cache_mode"`
	CacheDir   string    `yaml:"cache_dir"`
	CacheMaxMB int64     `yaml:"cache_max_mb"`

	// LegacyLinearS 为 true 时 "s" 形滑音按线性处理（兼容旧版音符编辑预览）。
	LegacyLinearS bool `yaml:"legacy_linear_s"`

	// SampleRate 生成静音片段和空输出时使用的采样率。
	SampleRate int `yaml:"sample_rate"`
}

// VoicebankConfig 音源配置。
type VoicebankConfig struct {
	Dir string `yaml:"dir"`
	// Romanize 为 true 时汉字歌词找不到别名会回退到无声调拼音。
	Romanize *bool `yaml:"romanize"`
}

// RomanizeEnabled 返回是否启用拼音回退，未配置时默认启用。
func (v VoicebankConfig) RomanizeEnabled() bool {
	return v.Romanize == nil || *v.Romanize
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容并填充默认值。
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Engine.PoolSize <= 0 {
		cfg.Engine.PoolSize = runtime.NumCPU()
	}
	if cfg.Engine.BatchSize <= 0 {
		cfg.Engine.BatchSize = 1
	}
	if cfg.Engine.CacheMode == "" {
		cfg.Engine.CacheMode = CacheEnabled
	}
	cfg.Engine.CacheMode = CacheMode(strings.ToLower(string(cfg.Engine.CacheMode)))
	if cfg.Engine.CacheMaxMB == 0 {
		cfg.Engine.CacheMaxMB = 512
	}
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = 44100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Engine.CacheDir == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Engine.CacheDir = filepath.Join(home, ".utsurender", "cache")
		} else {
			cfg.Engine.CacheDir = "./.utsurender-cache"
		}
	}

	cfg.Engine.CacheDir = expandHome(cfg.Engine.CacheDir)
	cfg.Engine.Resampler = expandHome(strings.TrimSpace(cfg.Engine.Resampler))
	cfg.Engine.Wavtool = expandHome(strings.TrimSpace(cfg.Engine.Wavtool))
	cfg.Voicebank.Dir = expandHome(cfg.Voicebank.Dir)
	cfg.Log.File = expandHome(cfg.Log.File)
}

// expandHome 把 ~/ 开头的路径替换为用户主目录，Go 不会自动展开。
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}

func validate(cfg *Config) error {
	switch cfg.Engine.CacheMode {
	case CacheEnabled, CacheDisabled:
	default:
		return fmt.Errorf("不支持的缓存模式: %s", cfg.Engine.CacheMode)
	}
	if cfg.Engine.SampleRate < 0 {
		return fmt.Errorf("采样率不能为负数: %d", cfg.Engine.SampleRate)
	}
	return nil
}
