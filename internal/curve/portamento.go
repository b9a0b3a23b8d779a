// Package curve 计算音高弯曲（滑音、颤音）和音量包络，纯数值，无 I/O。
//
// 时间单位为毫秒，音高单位为十分之一半音。
package curve

import (
	"math"
	"strings"

	"github.com/iabetor/utsurender/internal/logger"
)

// Shape 表示滑音的缓动形状。
type Shape int

const (
	// ShapeLinear 线性过渡。
	ShapeLinear Shape = iota
	// ShapeLogarithmic 对数过渡（"r"），开始快、结尾慢。
	ShapeLogarithmic
	// ShapeQuadratic 二次过渡（"j"），开始慢、结尾快。
	ShapeQuadratic
	// ShapeLogistic S 形过渡（"s" 或空），UTAU 默认形状。
	ShapeLogistic
)

var shapeNames = [...]string{"linear", "logarithmic", "quadratic", "logistic"}

func (s Shape) String() string {
	if int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return "unknown"
}

// minDuration 是退化滑音修正后的最小时长。
const minDuration = 0.1

// 对数形状：y = a*ln(b*u) + c，b = 20，a = 1/6，c = 1/2（u 为 [0,1] 内的归一化时间）。
// 在 u=1 处原始曲线只到达 0.9993，这里除以该值使终点精确落在 y2。
var logarithmicEnd = math.Log(20)/6 + 0.5

// 逻辑斯谛形状在归一化时间上的陡度，对应半程 5 个单位。
const logisticSteepness = 10.0

var (
	logisticLow  = logistic(0)
	logisticHigh = logistic(1)
)

func logistic(u float64) float64 {
	return 1 / (1 + math.Exp(-logisticSteepness*(u-0.5)))
}

// Factory 根据形状代码构造滑音。
type Factory struct {
	// LegacyLinearS 为 true 时 "s" 映射为线性而不是 S 形，
	// 与旧版音符编辑预览保持一致；空代码仍然是 S 形。
	LegacyLinearS bool
}

// ParseShape 把形状代码（大小写不敏感）解析为 Shape。
// 未知代码回退为 S 形，第二个返回值为 false。
func (f Factory) ParseShape(code string) (Shape, bool) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "":
		return ShapeLogistic, true
	case "s":
		if f.LegacyLinearS {
			return ShapeLinear, true
		}
		return ShapeLogistic, true
	case "r":
		return ShapeLogarithmic, true
	case "j":
		return ShapeQuadratic, true
	}
	return ShapeLogistic, false
}

// Portamento 是覆盖 [x1, x2] 区间、连接两个音高的一段滑音。
// 构造后不可变，可在多个 goroutine 间共享。
type Portamento struct {
	shape  Shape
	x1, y1 float64
	x2, y2 float64
}

// NewPortamento 使用默认工厂构造滑音。
func NewPortamento(x1, y1, x2, y2 float64, code string) Portamento {
	return Factory{}.New(x1, y1, x2, y2, code)
}

// New 构造一段滑音。输入错误不会导致失败，而是按以下规则修正并记录日志：
//   - 非有限值替换为可用的另一端点（或 0）
//   - x1 >= x2 时退化为从 x2 到 x1+0.1、固定在 y1 的线性段
//   - y1 == y2 时不论形状都使用线性段
func (f Factory) New(x1, y1, x2, y2 float64, code string) Portamento {
	x1, y1, x2, y2 = sanitize(x1, y1, x2, y2)

	if x1 >= x2 {
		logger.Warnf("[curve] 滑音时长非正 (x1=%.2f, x2=%.2f)，修正为 %.1fms 线性段", x1, x2, minDuration)
		return Portamento{shape: ShapeLinear, x1: x2, y1: y1, x2: x1 + minDuration, y2: y1}
	}
	if y1 == y2 {
		return Portamento{shape: ShapeLinear, x1: x1, y1: y1, x2: x2, y2: y2}
	}

	shape, ok := f.ParseShape(code)
	if !ok {
		logger.Warnf("[curve] 无法识别的滑音形状 %q，使用 S 形", code)
	}
	return Portamento{shape: shape, x1: x1, y1: y1, x2: x2, y2: y2}
}

func sanitize(x1, y1, x2, y2 float64) (float64, float64, float64, float64) {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	if !finite(y1) || !finite(y2) {
		logger.Warnf("[curve] 滑音音高非有限值 (y1=%v, y2=%v)", y1, y2)
		switch {
		case finite(y1):
			y2 = y1
		case finite(y2):
			y1 = y2
		default:
			y1, y2 = 0, 0
		}
	}
	if !finite(x1) || !finite(x2) {
		logger.Warnf("[curve] 滑音时间非有限值 (x1=%v, x2=%v)", x1, x2)
		switch {
		case finite(x1):
			x2 = x1
		case finite(x2):
			x1 = x2
		default:
			x1, x2 = 0, 0
		}
	}
	return x1, y1, x2, y2
}

// Shape 返回滑音实际使用的形状。
func (p Portamento) Shape() Shape { return p.shape }

// StartMs 返回滑音起点时间。
func (p Portamento) StartMs() float64 { return p.x1 }

// EndMs 返回滑音终点时间。
func (p Portamento) EndMs() float64 { return p.x2 }

// StartPitch 返回起点音高。
func (p Portamento) StartPitch() float64 { return p.y1 }

// EndPitch 返回终点音高。
func (p Portamento) EndPitch() float64 { return p.y2 }

// Contains 判断时间点是否落在滑音区间内。
func (p Portamento) Contains(ms float64) bool {
	return ms >= p.x1 && ms <= p.x2
}

// Apply 返回 ms 时刻的音高。区间外调用是错误用法：记录日志并返回 0。
func (p Portamento) Apply(ms float64) float64 {
	if !p.Contains(ms) {
		logger.Warnf("[curve] 在区间 [%.2f, %.2f] 之外查询 %s 滑音: %.2f", p.x1, p.x2, p.shape, ms)
		return 0
	}
	// 端点精确返回，不受浮点误差影响。
	if ms == p.x1 {
		return p.y1
	}
	if ms == p.x2 {
		return p.y2
	}
	return p.y1 + (p.y2-p.y1)*p.fraction((ms-p.x1)/(p.x2-p.x1))
}

// fraction 把归一化时间 u ∈ (0,1) 映射为完成比例。
func (p Portamento) fraction(u float64) float64 {
	switch p.shape {
	case ShapeLogarithmic:
		f := (math.Log(20*u)/6 + 0.5) / logarithmicEnd
		// 开头 ln 为负，不允许越过起点。
		if f < 0 {
			return 0
		}
		return f
	case ShapeQuadratic:
		return u * u
	case ShapeLogistic:
		return (logistic(u) - logisticLow) / (logisticHigh - logisticLow)
	default:
		return u
	}
}
