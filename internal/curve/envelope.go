package curve

// Envelope 是音符的五段音量包络。
// Widths 为 p1..p5（毫秒），Heights 为 v1..v5（0-200 响度单位）。
type Envelope struct {
	Widths  [5]float64
	Heights [5]float64
}

// DefaultEnvelope 返回新音符的默认包络：p1=5 p2=1 p3=1 p4=35 p5=1，全部高度 100。
func DefaultEnvelope() Envelope {
	return Envelope{
		Widths:  [5]float64{5, 1, 1, 35, 1},
		Heights: [5]float64{100, 100, 100, 100, 100},
	}
}

// FadeIn 返回淡入宽度 p1。
func (e Envelope) FadeIn() float64 { return e.Widths[0] }

// FadeOut 返回淡出宽度 p4。
func (e Envelope) FadeOut() float64 { return e.Widths[3] }

// Anchor 是包络折线上的一个点。
type Anchor struct {
	TimeMs float64
	Level  float64
}

// AnchorBaseline 是包络首尾两点的控制值。
const AnchorBaseline = 100

// Anchors 计算包络折线的 7 个锚点：
//
//	start, start+p1, start+p1+p2, start+p1+p2+p5, end-p4-p3, end-p4, end
//
// 其中 start = noteStartMs - preutter，end = start + length。
// p5 位于 p2 与 p3 之间，p3、p4 从结尾往回量；高度依次为 v1 v2 v5 v3 v4。
// 高度 0-200 经 100 - v/2 转换为控制值，首尾固定为 AnchorBaseline。
func (e Envelope) Anchors(noteStartMs, preutter, length float64) [7]Anchor {
	p1, p2, p3, p4, p5 := e.Widths[0], e.Widths[1], e.Widths[2], e.Widths[3], e.Widths[4]
	level := func(i int) float64 { return 100 - e.Heights[i]/2 }

	start := noteStartMs - preutter
	end := start + length
	return [7]Anchor{
		{TimeMs: start, Level: AnchorBaseline},
		{TimeMs: start + p1, Level: level(0)},
		{TimeMs: start + p1 + p2, Level: level(1)},
		{TimeMs: start + p1 + p2 + p5, Level: level(4)},
		{TimeMs: end - p4 - p3, Level: level(2)},
		{TimeMs: end - p4, Level: level(3)},
		{TimeMs: end, Level: AnchorBaseline},
	}
}

// Normalize 把 V2/V3 交叉淡化的包络转换为 V1/V4 交叉淡化。
// 当 v1 和 v4 都小于 1 时，p2/v2 挪到 p1/v1，p3/v3 挪到 p4/v4。
func (e Envelope) Normalize() Envelope {
	if e.Heights[0] >= 1 || e.Heights[3] >= 1 {
		return e
	}
	e.Widths[0] = e.Widths[1]
	e.Widths[1] = 1
	e.Heights[0] = e.Heights[1]
	e.Widths[3] = e.Widths[2]
	e.Widths[2] = 1
	e.Heights[3] = e.Heights[2]
	return e
}

// FitTo 当包络（不含淡出）超出 length 时按比例压缩 p2、p3、p5 以及 overlap，
// 返回压缩后的包络和 overlap。
func (e Envelope) FitTo(length, overlap float64) (Envelope, float64) {
	envLength := overlap + e.Widths[1] + e.Widths[2] + e.Widths[4]
	if envLength <= 0 || envLength <= length-e.Widths[3] {
		return e, overlap
	}
	shrink := abs(length-e.Widths[3]) / envLength
	e.Widths[1] *= shrink
	e.Widths[2] *= shrink
	e.Widths[4] *= shrink
	return e, overlap * shrink
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
