package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iabetor/utsurender/internal/song"
)

// request 是命令行使用的渲染请求：一首歌的曲速、flags 和音符列表。
type request struct {
	Tempo float64       `yaml:"tempo"`
	Flags string        `yaml:"flags"`
	Notes []requestNote `yaml:"notes"`
}

type requestNote struct {
	Start    int    `yaml:"start"`
	Duration int    `yaml:"duration"`
	Lyric    string `yaml:"lyric"`
	// Pitch 为音名（如 "C4"），为空时使用 NoteNum。
	Pitch   string `yaml:"pitch"`
	NoteNum int    `yaml:"note_num"`

	Preutter   *float64 `yaml:"preutter"`
	Overlap    *float64 `yaml:"overlap"`
	Velocity   *float64 `yaml:"velocity"`
	Intensity  *int     `yaml:"intensity"`
	Modulation int      `yaml:"modulation"`
	StartPoint float64  `yaml:"start_point"`
	Flags      string   `yaml:"flags"`

	Pitchbend *requestPitchbend `yaml:"pitchbend"`
	Envelope  *requestEnvelope  `yaml:"envelope"`
}

type requestPitchbend struct {
	PBS     []float64 `yaml:"pbs"`
	PBW     []float64 `yaml:"pbw"`
	PBY     []float64 `yaml:"pby"`
	PBM     []string  `yaml:"pbm"`
	Vibrato []int     `yaml:"vibrato"`
}

type requestEnvelope struct {
	Widths  []float64 `yaml:"widths"`
	Heights []float64 `yaml:"heights"`
}

func loadRequest(path string) (*request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取渲染请求 %s 失败: %w", path, err)
	}
	return parseRequest(data)
}

func parseRequest(data []byte) (*request, error) {
	req := &request{}
	if err := yaml.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("解析渲染请求失败: %w", err)
	}
	if req.Tempo == 0 {
		req.Tempo = song.DefaultTempo
	}
	return req, nil
}

// buildSong 按请求创建歌曲。任何一个音符无效（包括位置重复）都返回错误。
func (r *request) buildSong() (*song.Song, error) {
	s := song.New()
	if err := s.SetTempo(r.Tempo); err != nil {
		return nil, err
	}
	s.SetFlags(r.Flags)

	for i, rn := range r.Notes {
		n, err := rn.toNote()
		if err != nil {
			return nil, fmt.Errorf("第 %d 个音符: %w", i+1, err)
		}
		if _, err := s.AddNote(n); err != nil {
			return nil, fmt.Errorf("第 %d 个音符: %w", i+1, err)
		}
	}
	return s, nil
}

func (rn requestNote) toNote() (song.Note, error) {
	noteNum := rn.NoteNum
	if rn.Pitch != "" {
		num, err := song.PitchToNoteNum(rn.Pitch)
		if err != nil {
			return song.Note{}, err
		}
		noteNum = num
	}

	n := song.NewNote(rn.Start, rn.Duration, noteNum, rn.Lyric)
	n.Preutter = rn.Preutter
	n.Overlap = rn.Overlap
	if rn.Velocity != nil {
		n.Velocity = *rn.Velocity
	}
	if rn.Intensity != nil {
		n.Intensity = *rn.Intensity
	}
	n.Modulation = rn.Modulation
	n.StartPoint = rn.StartPoint
	n.Flags = rn.Flags

	if pb := rn.Pitchbend; pb != nil {
		n.Pitchbend.PBS = pb.PBS
		n.Pitchbend.PBW = pb.PBW
		n.Pitchbend.PBY = pb.PBY
		n.Pitchbend.PBM = pb.PBM
		if len(pb.Vibrato) > len(n.Pitchbend.Vibrato) {
			return song.Note{}, fmt.Errorf("颤音参数最多 %d 个", len(n.Pitchbend.Vibrato))
		}
		copy(n.Pitchbend.Vibrato[:], pb.Vibrato)
	}
	if env := rn.Envelope; env != nil {
		if len(env.Widths) > 5 || len(env.Heights) > 5 {
			return song.Note{}, fmt.Errorf("包络最多 5 个宽度和 5 个高度")
		}
		copy(n.Envelope.Widths[:], env.Widths)
		copy(n.Envelope.Heights[:], env.Heights)
	}
	return n, nil
}
