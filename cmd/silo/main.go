// Package main runs a silo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/bootstrap"
	"github.com/devrev/silohost/internal/config"
	"github.com/devrev/silohost/internal/logging"
	"github.com/devrev/silohost/internal/ports"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, environment, listenHost, advertiseHost string

	flagSet := pflag.NewFlagSet("silo", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: ./silo.yaml or /etc/silohost/silo.yaml)")
	flagSet.StringVar(&environment, "environment", "", "hosting environment; overrides the Environment setting")
	flagSet.StringVar(&listenHost, "listen", "", "interface to bind (default: all)")
	flagSet.StringVar(&advertiseHost, "advertise", "", "host other silos and clients dial (default: 127.0.0.1)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if environment == "" {
		environment = cfg.Environment
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting silo",
		zap.String("cluster_id", cfg.Orleans.ClusterID),
		zap.String("service_id", cfg.Orleans.ServiceID),
		zap.String("environment", environment))

	node, err := bootstrap.NewNode(cfg, logger, ports.NewNetworkPortFinder(), config.NewEnvironment(environment),
		bootstrap.WithListenHost(listenHost),
		bootstrap.WithAdvertiseHost(advertiseHost))
	if err != nil {
		logger.Error("Failed to configure silo", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Error("Failed to start silo", zap.Error(err))
		node.Stop(context.Background())
		return err
	}
	fmt.Printf("Silo: { Silo: %d, Gateway: %d, Dashboard: %d }\n", node.SiloPort(), node.GatewayPort(), node.DashboardPort())

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Error("Silo stopped with errors", zap.Error(err))
		return err
	}

	logger.Info("Silo shutdown complete")
	return nil
}
