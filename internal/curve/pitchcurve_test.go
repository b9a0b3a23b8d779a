package curve

import (
	"strings"
	"testing"
)

func TestEncode12Bit(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "AA"},
		{1, "AB"},
		{63, "A/"},
		{64, "BA"},
		{2047, "f/"},
		{-1, "//"},
		{-2048, "gA"},
		{5000, "//"},
		{-5000, "AA"},
	}
	for _, tt := range tests {
		if got := encode12Bit(tt.in); got != tt.want {
			t.Errorf("encode12Bit(%d): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSteps(t *testing.T) {
	if nextStep(10) != 2 || nextStep(11) != 3 {
		t.Error("nextStep rounds up")
	}
	if prevStep(10) != 1 {
		t.Errorf("prevStep on a step boundary must not equal nextStep: got %d", prevStep(10))
	}
	if prevStep(11) != 2 {
		t.Errorf("prevStep(11): got %d", prevStep(11))
	}
}

func TestPitchCurve_EmptyRendersRunLength(t *testing.T) {
	c := NewPitchCurve(Factory{})
	got := c.Render(0, 9, 60)
	if got != "AA#9#" {
		t.Errorf("empty curve: got %q, want %q", got, "AA#9#")
	}
	if single := c.Render(3, 3, 60); single != "AA" {
		t.Errorf("single step: got %q", single)
	}
}

func TestPitchCurve_PortamentoFromPreviousNote(t *testing.T) {
	c := NewPitchCurve(Factory{LegacyLinearS: true})
	// 前一音符 C4(60)，当前音符 D4(62)：从 -200 音分线性滑到 0。
	c.AddNote(1000, 480, Pitchbend{PBS: []float64{-50, 0}, PBW: []float64{100}, PBM: []string{"s"}}, 60, 62)

	got := c.Render(190, 211, 62)
	steps := decodeAll(t, got)
	if len(steps) != 22 {
		t.Fatalf("expected 22 steps, got %d (%q)", len(steps), got)
	}
	// 步 190 = 950ms 为滑音起点，偏移 -200 音分。
	if steps[0] != -200 {
		t.Errorf("first step: got %d, want -200", steps[0])
	}
	// 步 200 = 1000ms 为中点，偏移 -100 音分。
	if steps[10] != -100 {
		t.Errorf("midpoint: got %d, want -100", steps[10])
	}
	for i := 1; i < 20; i++ {
		if steps[i] < steps[i-1] {
			t.Fatalf("linear rise must be non-decreasing at %d: %v", i, steps)
		}
	}
	// 滑音结束后回到音符音高。
	if steps[len(steps)-1] != 0 {
		t.Errorf("after portamento: got %d, want 0", steps[len(steps)-1])
	}
}

func TestPitchCurve_LaterNoteWins(t *testing.T) {
	c := NewPitchCurve(Factory{})
	c.AddNote(0, 480, Pitchbend{PBS: []float64{0}, PBW: []float64{400}}, 60, 60)
	c.AddNote(200, 480, Pitchbend{PBS: []float64{0}, PBW: []float64{100}}, 60, 64)

	s := c.steps[50] // 250ms，两段滑音都覆盖
	p, ok := s.portamento()
	if !ok {
		t.Fatal("expected a portamento at step 50")
	}
	if p.EndPitch() != 640 {
		t.Errorf("later note's portamento should win, got end pitch %v", p.EndPitch())
	}
}

func TestPitchCurve_Vibrato(t *testing.T) {
	c := NewPitchCurve(Factory{})
	pb := Pitchbend{PBS: []float64{0}, PBW: []float64{10}}
	pb.Vibrato = [10]int{50, 100, 60, 0, 0, 0, 0, 0, 0, 0}
	c.AddNote(0, 400, pb, 60, 60)

	rendered := c.Render(40, 79, 60)
	steps := decodeAll(t, rendered)
	nonZero := 0
	for _, v := range steps {
		if v != 0 {
			nonZero++
		}
		if v > 60 || v < -60 {
			t.Fatalf("vibrato amplitude exceeded: %d", v)
		}
	}
	if nonZero == 0 {
		t.Errorf("vibrato should move the pitch: %q", rendered)
	}
}

// decodeAll 把渲染结果解码为逐步的音分值，展开 #n# 压缩。
func decodeAll(t *testing.T, s string) []int {
	t.Helper()
	var out []int
	for i := 0; i < len(s); {
		if s[i] == '#' {
			end := strings.IndexByte(s[i+1:], '#')
			if end < 0 {
				t.Fatalf("bad run length in %q", s)
			}
			n := 0
			for _, ch := range s[i+1 : i+1+end] {
				n = n*10 + int(ch-'0')
			}
			last := out[len(out)-1]
			for k := 0; k < n; k++ {
				out = append(out, last)
			}
			i += end + 2
			continue
		}
		hi := strings.IndexByte(base64Digits, s[i])
		lo := strings.IndexByte(base64Digits, s[i+1])
		v := hi*64 + lo
		if v >= 2048 {
			v -= 4096
		}
		out = append(out, v)
		i += 2
	}
	return out
}
