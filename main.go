package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"spacesync/client"
	"spacesync/config"
	"spacesync/logging"
	"spacesync/protocol"
	"spacesync/server"
)

// 机器人每秒上报位姿的次数
const botTicksPerSecond = 20

// spacesync 入口：serve 启动同步服务端（默认），bot 启动一个无界面的绕圈客户端
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "spacesync",
		Usage: "real-time shared 3D space sync server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("SPACESYNC_CONFIG"),
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the sync server",
				Action: serve,
			},
			{
				Name:  "bot",
				Usage: "join a server headlessly and walk in a circle",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "server base URL (overrides client.url)"},
					&cli.FloatFlag{Name: "radius", Value: 3, Usage: "circle radius"},
					&cli.DurationFlag{Name: "lap", Value: 10 * time.Second, Usage: "time per lap"},
				},
				Action: bot,
			},
		},
	}
}

// setup 加载配置并初始化日志
func setup(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	logger.Sugar().Infof("open http://localhost:%d/", cfg.Server.Port)
	return server.New(cfg.Server, logger).Run(ctx)
}

func bot(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)
	log := logger.Sugar()

	if u := cmd.String("url"); u != "" {
		cfg.Client.URL = u
	}
	listener := client.ListenerFuncs{
		CurrentPlayers: func(players map[string]protocol.Player) {
			log.Infow("current players", "count", len(players))
		},
		NewPlayer: func(p protocol.Player) {
			log.Infow("player joined", "id", p.ID, "color", p.Color)
		},
		PlayerMoved: func(m protocol.Moved) {
			log.Debugw("player moved", "id", m.ID, "x", m.X, "z", m.Z)
		},
		PlayerDisconnected: func(id string) {
			log.Infow("player left", "id", id)
		},
	}
	proxy, err := client.New(cfg.Client, listener, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go walk(ctx, proxy, cmd.Float("radius"), cmd.Duration("lap"))

	err = proxy.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// walk 按固定频率沿圆周移动；未连接时跳过本次上报
func walk(ctx context.Context, p *client.Proxy, radius float64, lap time.Duration) {
	ticker := time.NewTicker(time.Second / botTicksPerSecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			angle := 2 * math.Pi * float64(now.Sub(start)) / float64(lap)
			pos := protocol.Vec3{X: radius * math.Cos(angle), Z: radius * math.Sin(angle)}
			// 面向切线方向
			_ = p.SendMovement(pos, -angle)
		}
	}
}
