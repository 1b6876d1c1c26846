package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/config"
	"cloud-admin/internal/console"
	"cloud-admin/internal/logger"
	"cloud-admin/internal/modules"
	"cloud-admin/internal/monitor"
	"cloud-admin/internal/mqtt"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run a monitor: register this server with the master",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context())
		},
	}
}

func runMonitor(parent context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc := cfg.Monitor
	tokens := auth.ServerTokens{Secret: []byte(cfg.ServerSecret)}
	svc := console.NewMonitor(console.MonitorOptions{
		ID:          mc.ID,
		ServerType:  mc.ServerType,
		MasterAddr:  mc.MasterAddr,
		Info:        mc.Info,
		Env:         cfg.Env,
		ServerToken: tokens.Issue,
		Transport: mqtt.Options{
			Timeout:           config.Seconds(mc.Timeout),
			Keepalive:         config.Seconds(mc.Keepalive),
			ReconnectDelay:    config.Seconds(mc.ReconnectDelay),
			ReconnectDelayMax: config.Seconds(mc.ReconnectDelayMax),
		},
		Logger: log,
		Events: console.Events{
			OnClose: func() { log.Info("session to master closed") },
			OnError: func(err error) { log.Warn("monitor error", zap.Error(err)) },
		},
	})

	control := &modules.Console{
		OnMonitorSignal: func(_ context.Context, agent *monitor.Agent, req modules.SignalRequest) (any, error) {
			log.Warn("received console signal", logger.ServerID(agent.ID()),
				zap.String("signal", req.Signal), zap.String("username", req.Username))
			stop()
			return nil, nil
		},
	}
	if err := svc.Register("", control); err != nil {
		return err
	}
	info := modules.NewServerInfo()
	if mc.PushInterval > 0 {
		info.Type = console.TypePush
		info.Interval = float64(mc.PushInterval)
	}
	if err := svc.Register("", info); err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()
	log.Info("monitor registered", logger.ServerID(mc.ID), logger.Addr(mc.MasterAddr))

	<-ctx.Done()
	log.Info("monitor shutting down")
	return nil
}
