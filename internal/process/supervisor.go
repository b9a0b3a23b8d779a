// Package process 管理外部工具（重采样器、拼接工具）的子进程生命周期。
//
// 每个进程在启动时登记到 Supervisor，退出后注销；Shutdown 会强制结束所有仍在运行的进程，
// 保证程序退出后不会留下孤儿进程。
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/iabetor/utsurender/internal/logger"
)

// ErrSupervisorClosed 表示 Shutdown 之后仍尝试启动进程。
var ErrSupervisorClosed = errors.New("进程管理器已关闭")

// drainTimeout 是进程退出后等待输出读完的最长时间。
// 子进程派生的后台进程可能一直持有管道写端，超时后直接关闭读端。
const drainTimeout = 2 * time.Second

// Runner 运行一个外部命令并阻塞到它退出。
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) error
}

// Supervisor 登记所有由它启动、尚未退出的进程。
type Supervisor struct {
	mu     sync.Mutex
	live   map[*Handle]struct{}
	closed bool
	onLine func(line string)
}

// NewSupervisor 创建进程管理器。
func NewSupervisor() *Supervisor {
	return &Supervisor{live: make(map[*Handle]struct{})}
}

var defaultSupervisor = NewSupervisor()

// Default 返回进程级共享的管理器，cmd 在退出前对它调用 Shutdown。
func Default() *Supervisor { return defaultSupervisor }

// SetOutputHook 注册子进程输出的回调，每行调用一次。
// 未注册时输出只在 debug 级别记录。
func (s *Supervisor) SetOutputHook(fn func(line string)) {
	s.mu.Lock()
	s.onLine = fn
	s.mu.Unlock()
}

// Live 返回仍在运行（已启动、未被 Wait 回收）的进程数。
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Run 启动 args[0] 并等待退出。dir 为空时继承当前工作目录。
// 只有启动失败、等待失败、被取消或被结束才返回 error。
// 退出码只记录日志，工具是否成功由调用方检查它的输出文件决定。
func (s *Supervisor) Run(ctx context.Context, dir string, args ...string) error {
	h, err := s.Start(ctx, dir, args...)
	if err != nil {
		return err
	}
	defer h.Close()

	name := filepath.Base(args[0])
	err = h.Wait()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s 已取消: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		logger.Warnf("[process] %s 以退出码 %d 结束", name, exitErr.ExitCode())
		return nil
	}
	return fmt.Errorf("%s 执行失败: %w", name, err)
}

// Start 启动进程并登记，stdout 和 stderr 合并到同一个管道，由独立 goroutine 读空。
// 调用方必须对返回的 Handle 调用 Wait 或 Close。
func (s *Supervisor) Start(ctx context.Context, dir string, args ...string) (*Handle, error) {
	if len(args) == 0 {
		return nil, errors.New("缺少可执行文件")
	}

	// 持锁启动，避免与 Shutdown 交错后漏杀刚启动的进程。
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorClosed
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("创建输出管道失败: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("启动 %s 失败: %w", filepath.Base(args[0]), err)
	}
	// 父进程不再需要写端，否则读端永远等不到 EOF。
	w.Close()

	h := &Handle{
		sup:     s,
		cmd:     cmd,
		name:    filepath.Base(args[0]),
		out:     r,
		drained: make(chan struct{}),
	}
	s.live[h] = struct{}{}
	go h.drain(s.onLine)

	logger.Debugf("[process] 已启动 %s (pid=%d)", h.name, cmd.Process.Pid)
	return h, nil
}

// Shutdown 强制结束所有仍在运行的进程，之后的 Start 返回 ErrSupervisorClosed。
// 返回被结束的进程数。
func (s *Supervisor) Shutdown() int {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.live))
	for h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.kill()
	}
	if len(handles) > 0 {
		logger.Infof("[process] 退出时结束了 %d 个外部进程", len(handles))
	}
	return len(handles)
}

func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	delete(s.live, h)
	s.mu.Unlock()
}

// Handle 是一个由 Supervisor 启动的进程。
type Handle struct {
	sup     *Supervisor
	cmd     *exec.Cmd
	name    string
	out     *os.File
	drained chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// Wait 等待进程退出并注销，可重复调用。
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()

		select {
		case <-h.drained:
		case <-time.After(drainTimeout):
			logger.Warnf("[process] %s 的输出在退出后 %s 内未读完，强制关闭", h.name, drainTimeout)
		}
		h.out.Close()
		h.sup.release(h)

		if h.waitErr != nil {
			logger.Debugf("[process] %s 退出: %v", h.name, h.waitErr)
		}
	})
	return h.waitErr
}

// Close 结束仍在运行的进程并回收，可重复调用。
func (h *Handle) Close() error {
	h.kill()
	h.Wait()
	return nil
}

func (h *Handle) kill() {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debugf("[process] 结束 %s 失败: %v", h.name, err)
	}
}

func (h *Handle) drain(onLine func(string)) {
	defer close(h.drained)

	sc := bufio.NewScanner(h.out)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if onLine != nil {
			onLine(sc.Text())
		} else {
			logger.Debugf("[process] %s: %s", h.name, sc.Text())
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		// 超长的行，剩下的内容直接丢弃。
		io.Copy(io.Discard, h.out)
	}
}
