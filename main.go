package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shinejohn/CRM-CC-LC-sub004/config"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
	"github.com/shinejohn/CRM-CC-LC-sub004/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "crm",
	Short:         "Customer lifecycle pipeline and timeline engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	tokenTenant  uint
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.Flags().UintVar(&tokenTenant, "tenant", 0, "tenant the token is scoped to")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(serveCmd, runCmd, tokenCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and all background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		server := app.httpApp()
		g, gctx := errgroup.WithContext(ctx)

		for name, job := range app.jobs {
			job := job
			every, delay := app.schedule(name)
			g.Go(func() error {
				worker.Run(gctx, job, every, delay, app.logger)
				return nil
			})
		}

		if app.relay != nil {
			g.Go(func() error {
				if err := app.relay.Relay(gctx, app.bus); err != nil && !errors.Is(err, context.Canceled) {
					utils.LogError("event_relay", err, nil)
				}
				return nil
			})
		}

		g.Go(func() error {
			app.logger.Infof("Server starting on port %s", app.cfg.ServerPort)
			return server.Listen(":" + app.cfg.ServerPort)
		})

		g.Go(func() error {
			<-gctx.Done()
			app.logger.Info("Shutting down...")
			return server.ShutdownWithTimeout(10 * time.Second)
		})

		return g.Wait()
	},
}

var runCmd = &cobra.Command{
	Use:       "run <job>",
	Short:     "Run one pass of a background job and exit",
	Long:      "Run one pass of a background job, for cron-style scheduling. Jobs: timeline, day-tick, followups, events.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"timeline", "day-tick", "followups", "events"},
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		job, ok := app.jobs[args[0]]
		if !ok {
			names := make([]string, 0, len(app.jobs))
			for name := range app.jobs {
				names = append(names, name)
			}
			sort.Strings(names)
			return fmt.Errorf("unknown job %q, expected one of: %s", args[0], strings.Join(names, ", "))
		}

		start := time.Now()
		if err := job.RunOnce(cmd.Context()); err != nil {
			return fmt.Errorf("%s failed: %w", job.Name(), err)
		}
		app.logger.WithField("duration", utils.FormatDuration(time.Since(start))).Infof("%s finished", job.Name())
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := utils.GenerateJWTToken(cfg.JWTSecret, tokenTenant, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// bootstrap loads configuration, connects storage and wires the application
func bootstrap() (*application, func(), error) {
	if err := config.LoadConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.AppConfig

	logger := utils.InitLogger(cfg.LogConfig())
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry disabled")
	}

	if err := config.ConnectDB(); err != nil {
		return nil, nil, err
	}
	if err := config.ConnectRedis(); err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		sentry.Flush(2 * time.Second)
		if config.Redis != nil {
			config.Redis.Close()
		}
		if sqlDB, err := config.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}

	return newApplication(cfg, config.DB, config.Redis, logger), cleanup, nil
}
