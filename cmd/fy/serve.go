package main

import (
	"context"
	"fmt"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/flagyard/internal/config"
	"github.com/zulandar/flagyard/internal/dashboard"
	"github.com/zulandar/flagyard/internal/intake"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/notify"
	"github.com/zulandar/flagyard/internal/output"
	"github.com/zulandar/flagyard/internal/relay"
	"github.com/zulandar/flagyard/internal/store"
)

// shutdownGrace bounds how long pending persistence is drained on exit.
const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the flag relay",
		Long:  "Starts the intake listener, the delivery channel to the judge, the status dashboard and the configured notification sinks. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "flagyard.yaml", "path to Flagyard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Options{
		InfoFile:     cfg.Log.InfoFile,
		DebugFile:    cfg.Log.DebugFile,
		ConsoleLevel: logging.ParseLevel(cfg.Log.Level),
	})
	defer logger.Close()

	st, err := store.Open(cfg.DB, cfg.Receiver.Accepted)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	flagRe := regexp.MustCompile(cfg.Flags.Regexp)

	channel := output.New(output.Options{
		Host:           cfg.Output.Host,
		Port:           cfg.Output.Port,
		ReconnectDelay: cfg.ReconnectDelay(),
		SendPeriod:     cfg.SendPeriod(),
		MaxPerSend:     cfg.Output.MaxPerSend,
		FlagLifetime:   cfg.FlagLifetime(),
		ResendDelay:    cfg.ResendDelay(),
		Greetings:      cfg.Receiver.Greetings,
		BadAnswers:     cfg.Receiver.BadAnswers,
		Logger:         logger,
	})

	hub := dashboard.NewHub()
	publisher, closeSinks, err := buildPublisher(cfg, hub, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	coord, err := relay.New(relay.Options{
		Store:      st,
		Queue:      channel,
		Logger:     logger,
		Publisher:  publisher,
		BadAnswers: cfg.Receiver.BadAnswers,
		SweepCron:  cfg.Flags.ExpirySweepCron,
		DigestCron: cfg.Notify.DigestCron,
	})
	if err != nil {
		return err
	}
	channel.SetEvents(coord)

	srv, err := intake.Listen(cfg.Intake.Host, cfg.Intake.Port, flagRe, coord, logger)
	if err != nil {
		return err
	}

	channel.Start()
	if err := coord.Start(); err != nil {
		srv.Close()
		channel.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Dashboard.Port > 0 {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				Coordinator: coord,
				Hub:         hub,
				FlagRegexp:  flagRe,
				Port:        cfg.Dashboard.Port,
				Out:         cmd.OutOrStdout(),
			}); err != nil {
				logger.Errorf("Dashboard: %v", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Flagyard relaying %s -> %s:%d\n",
		srv.Addr(), cfg.Output.Host, cfg.Output.Port)

	<-ctx.Done()
	fmt.Fprintf(cmd.OutOrStdout(), "Shutting down...\n")

	srv.Close()
	channel.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := coord.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped.\n")
	return nil
}

// buildPublisher wires the configured status sinks behind one fan-out.
func buildPublisher(cfg *config.Config, hub *dashboard.Hub, logger *logging.Logger) (relay.Publisher, func(), error) {
	sinks := []relay.Publisher{hub}
	closers := []func(){}

	if cfg.Redis.Addr != "" {
		rp := notify.NewRedisPublisher(cfg.Redis, logger)
		sinks = append(sinks, rp)
		closers = append(closers, func() { rp.Close() })
	}
	if cfg.Slack.BotToken != "" {
		sinks = append(sinks, notify.NewSlackNotifier(cfg.Slack, cfg.Receiver.Accepted, logger))
	}
	if cfg.Discord.BotToken != "" {
		dn, err := notify.NewDiscordNotifier(cfg.Discord, cfg.Receiver.Accepted, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, dn)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return notify.NewMulti(sinks...), closeAll, nil
}
