package engine

import (
	"sync"
	"time"

	"github.com/iabetor/utsurender/internal/logger"
)

// State 表示一首歌当前的渲染阶段。
type State int

const (
	// StateIdle: 空闲，可以开始新的渲染。
	StateIdle State = iota
	// StateResampling: 正在并发重采样音符。
	StateResampling
	// StateStitching: 正在按顺序拼接片段。
	StateStitching
)

var stateNames = [...]string{
	"Idle",
	"Resampling",
	"Stitching",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// nextStates 是除回到 Idle 以外允许的推进方向，回到 Idle 总是允许的。
var nextStates = map[State]State{
	StateIdle:       StateResampling,
	StateResampling: StateStitching,
}

// StageFunc 在渲染阶段变化时调用，spent 为上一阶段持续的时间。
type StageFunc func(from, to State, spent time.Duration)

// StateMachine 记录一首歌的渲染阶段，保证同一首歌同时只有一次渲染。
type StateMachine struct {
	mu      sync.Mutex
	current State
	since   time.Time
	onStage StageFunc
}

// NewStateMachine 创建一个处于 Idle 的状态机，onStage 可以为 nil。
func NewStateMachine(onStage StageFunc) *StateMachine {
	return &StateMachine{current: StateIdle, since: time.Now(), onStage: onStage}
}

// Current 返回当前阶段。
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Transition 推进到 to：Idle → Resampling → Stitching，任何阶段都可以回到 Idle。
// 不合法的推进返回 false，阶段不变。
func (sm *StateMachine) Transition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if to == StateIdle {
		if sm.current != StateIdle {
			sm.enterLocked(StateIdle)
		}
		return true
	}
	if next, ok := nextStates[sm.current]; !ok || next != to {
		logger.Debugf("[state] 非法转换 %s → %s", sm.current, to)
		return false
	}
	sm.enterLocked(to)
	return true
}

// ForceIdle 无条件回到 Idle。
func (sm *StateMachine) ForceIdle() { sm.Transition(StateIdle) }

func (sm *StateMachine) enterLocked(to State) {
	from, spent := sm.current, time.Since(sm.since)
	sm.current, sm.since = to, time.Now()
	if sm.onStage != nil {
		sm.onStage(from, to, spent)
	}
}
