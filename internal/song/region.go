package song

import (
	"fmt"
	"math"
)

// Region 是半开区间 [MinMs, MaxMs)。MaxMs <= MinMs 表示空区间。
type Region struct {
	MinMs int
	MaxMs int
}

var (
	// WholeSong 覆盖整首歌。
	WholeSong = Region{MinMs: 0, MaxMs: math.MaxInt32}
	// Invalid 是空区间，表示没有任何已渲染部分。
	Invalid = Region{}
)

// Empty 判断区间是否为空。
func (r Region) Empty() bool { return r.MaxMs <= r.MinMs }

// Intersects 判断两个区间是否有重叠部分。
func (r Region) Intersects(o Region) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.MinMs < o.MaxMs && o.MinMs < r.MaxMs
}

// Contains 判断 o 是否完全落在 r 内，空区间被任何区间包含。
func (r Region) Contains(o Region) bool {
	if o.Empty() {
		return true
	}
	return !r.Empty() && r.MinMs <= o.MinMs && o.MaxMs <= r.MaxMs
}

// Intersect 返回两个区间的交集，不相交时返回 Invalid。
func (r Region) Intersect(o Region) Region {
	out := Region{MinMs: max(r.MinMs, o.MinMs), MaxMs: min(r.MaxMs, o.MaxMs)}
	if out.Empty() {
		return Invalid
	}
	return out
}

// Subtract 从 r 中去掉 o。结果不连续时保留靠前的一段，
// 因为渲染总是从区间起点顺序拼接，前缀仍然有效。
func (r Region) Subtract(o Region) Region {
	if !r.Intersects(o) {
		return r
	}
	if o.MinMs > r.MinMs {
		return Region{MinMs: r.MinMs, MaxMs: o.MinMs}
	}
	if o.MaxMs < r.MaxMs {
		return Region{MinMs: o.MaxMs, MaxMs: r.MaxMs}
	}
	return Invalid
}

func (r Region) String() string {
	if r.Empty() {
		return "[]"
	}
	if r.MaxMs == WholeSong.MaxMs {
		return fmt.Sprintf("[%d, end)", r.MinMs)
	}
	return fmt.Sprintf("[%d, %d)", r.MinMs, r.MaxMs)
}
