// Package voicebank 按歌词查找音源采样及其发音参数。
//
// 完整的 oto.ini / prefix.map 解析不在这里实现；DirVoicebank 只识别目录中的 WAV 文件
// 和一个可选的 oto.yaml 参数表，足以驱动渲染流程。
package voicebank

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
	"gopkg.in/yaml.v3"

	"github.com/iabetor/utsurender/internal/logger"
)

// LyricConfig 是一个别名对应的采样文件和发音参数，时间单位为毫秒。
type LyricConfig struct {
	// Alias 为实际命中的别名（例如 "- a"、"a ka"）。
	Alias        string
	Path         string
	Offset       float64
	Consonant    float64
	Cutoff       float64
	Preutterance float64
	Overlap      float64
}

// Voicebank 根据前一个歌词、当前歌词和音高查找采样。
// prevLyric 为空表示前面没有相邻音符；pitch 为空表示不考虑音高前后缀。
type Voicebank interface {
	Lookup(prevLyric, lyric, pitch string) (LyricConfig, bool)
}

// SettingsFile 是音源目录下可选的参数表文件名。
const SettingsFile = "oto.yaml"

// Settings 是 oto.yaml 的内容。
type Settings struct {
	// Defaults 用于没有单独配置的采样。
	Defaults AliasSettings `yaml:"defaults"`
	// Aliases 按别名配置参数，File 为空时使用 <别名>.wav。
	Aliases map[string]AliasSettings `yaml:"aliases"`
	// Pitches 按音名配置别名前后缀，例如 C5 使用后缀 "H"。
	Pitches map[string]PitchAffix `yaml:"pitches"`
}

// AliasSettings 是单个别名的参数。
type AliasSettings struct {
	File         string  `yaml:"file"`
	Offset       float64 `yaml:"offset"`
	Consonant    float64 `yaml:"consonant"`
	Cutoff       float64 `yaml:"cutoff"`
	Preutterance float64 `yaml:"preutterance"`
	Overlap      float64 `yaml:"overlap"`
}

// PitchAffix 是某个音高使用的别名前后缀。
type PitchAffix struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
}

// DirVoicebank 是基于目录的音源。
type DirVoicebank struct {
	dir      string
	configs  map[string]LyricConfig
	pitches  map[string]PitchAffix
	romanize bool
	pyArgs   pinyin.Args
}

// Load 扫描 dir 下（含子目录）的 WAV 文件，并应用 oto.yaml 中的参数。
// romanize 为 true 时，找不到的汉字歌词会再用无声调拼音查找一次。
func Load(dir string, romanize bool) (*DirVoicebank, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("打开音源目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("音源路径不是目录: %s", dir)
	}

	var settings Settings
	data, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", SettingsFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("读取 %s 失败: %w", SettingsFile, err)
	}

	args := pinyin.NewArgs()
	args.Style = pinyin.Normal

	vb := &DirVoicebank{
		dir:      dir,
		configs:  make(map[string]LyricConfig),
		pitches:  settings.Pitches,
		romanize: romanize,
		pyArgs:   args,
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".wav") {
			return nil
		}
		alias := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if _, dup := vb.configs[alias]; dup {
			logger.Debugf("[voicebank] 别名 %q 重复，保留先找到的 %s", alias, vb.configs[alias].Path)
			return nil
		}
		vb.configs[alias] = settings.Defaults.config(alias, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("扫描音源目录失败: %w", err)
	}

	for alias, s := range settings.Aliases {
		file := s.File
		if file == "" {
			file = alias + ".wav"
		}
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err != nil {
			logger.Warnf("[voicebank] 别名 %q 的采样不存在: %s", alias, path)
			continue
		}
		vb.configs[alias] = s.config(alias, path)
	}

	logger.Infof("[voicebank] 已加载 %d 个别名, 目录 %s", len(vb.configs), dir)
	return vb, nil
}

func (s AliasSettings) config(alias, path string) LyricConfig {
	return LyricConfig{
		Alias:        alias,
		Path:         path,
		Offset:       s.Offset,
		Consonant:    s.Consonant,
		Cutoff:       s.Cutoff,
		Preutterance: s.Preutterance,
		Overlap:      s.Overlap,
	}
}

// Len 返回别名数量。
func (vb *DirVoicebank) Len() int { return len(vb.configs) }

// Lookup 依次尝试带音高前后缀、VCV 前缀的组合，详细的组合优先。
func (vb *DirVoicebank) Lookup(prevLyric, lyric, pitch string) (LyricConfig, bool) {
	if lyric == "" {
		return LyricConfig{}, false
	}
	if cfg, ok := vb.configs[lyric]; ok && prevLyric == "" && pitch == "" {
		return cfg, true
	}

	affix := vb.pitches[pitch]
	vcv := vb.vcvPrefix(prevLyric)
	if cfg, ok := vb.lookupCombos(affix, vcv, lyric); ok {
		return cfg, true
	}
	if vb.romanize {
		if roman := vb.romanized(lyric); roman != "" && roman != lyric {
			if cfg, ok := vb.lookupCombos(affix, vcv, roman); ok {
				return cfg, true
			}
		}
	}
	return LyricConfig{}, false
}

func (vb *DirVoicebank) lookupCombos(affix PitchAffix, vcv, lyric string) (LyricConfig, bool) {
	pre, suf := affix.Prefix, affix.Suffix
	combos := []string{
		pre + vcv + lyric + suf,
		pre + vcv + lyric,
		vcv + lyric + suf,
		pre + lyric + suf,
		lyric + suf,
		pre + lyric,
		vcv + lyric,
		lyric,
	}
	for _, alias := range combos {
		if cfg, ok := vb.configs[alias]; ok {
			return cfg, true
		}
	}
	return LyricConfig{}, false
}

// vcvPrefix 返回 VCV 别名前缀："- " 表示句首，"<元音> " 表示接在前一个音后面。
// 前一个歌词无法转成 ASCII 时不使用前缀。
func (vb *DirVoicebank) vcvPrefix(prevLyric string) string {
	if prevLyric == "" {
		return "- "
	}
	roman := prevLyric
	if !isASCII(roman) {
		roman = vb.romanized(prevLyric)
	}
	if roman == "" {
		return ""
	}
	last := rune(strings.ToLower(roman)[len(roman)-1])
	if !unicode.IsLetter(last) {
		return ""
	}
	return string(last) + " "
}

// romanized 把歌词中的汉字转换为无声调拼音，非汉字部分丢弃。
func (vb *DirVoicebank) romanized(lyric string) string {
	return strings.Join(pinyin.LazyPinyin(lyric, vb.pyArgs), "")
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
