package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iabetor/utsurender/internal/config"
	"github.com/iabetor/utsurender/internal/engine"
	"github.com/iabetor/utsurender/internal/logger"
	"github.com/iabetor/utsurender/internal/process"
	"github.com/iabetor/utsurender/internal/voicebank"
)

func main() {
	configPath := flag.String("config", "configs/utsurender.yaml", "配置文件路径")
	songPath := flag.String("song", "", "渲染请求（YAML）路径")
	outPath := flag.String("out", "song.wav", "输出 WAV 路径")
	flag.Parse()

	if *songPath == "" {
		fmt.Fprintln(os.Stderr, "用法: utsurender -config cfg.yaml -song request.yaml -out song.wav")
		os.Exit(2)
	}

	if err := run(*configPath, *songPath, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "渲染失败: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, songPath, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	// 无论怎样退出，都不能留下仍在运行的重采样器或拼接工具。
	supervisor := process.Default()
	defer supervisor.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("[main] 收到信号 %v，正在停止...", sig)
			cancel()
			if n := supervisor.Shutdown(); n > 0 {
				logger.Infof("[main] 已结束 %d 个外部进程", n)
			}
		case <-ctx.Done():
		}
	}()

	req, err := loadRequest(songPath)
	if err != nil {
		return err
	}
	s, err := req.buildSong()
	if err != nil {
		return err
	}

	vb, err := voicebank.Load(cfg.Voicebank.Dir, cfg.Voicebank.RomanizeEnabled())
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg.Engine, vb, supervisor)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.RenderWav(ctx, s, outPath)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("已取消")
		}
		return err
	}

	logger.Infof("[main] 已输出 %s (%s): 重采样 %d, 复用 %d, 失败 %d, 静音 %d",
		res.Output, res.Duration, res.Resampled, res.Reused, res.Failed, res.Silent)
	if res.Failed > 0 {
		return fmt.Errorf("%d 个音符渲染失败，已渲染区间 %s", res.Failed, res.Rendered)
	}
	return nil
}
