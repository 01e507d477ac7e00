package main

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/cuemby/clanmanager/pkg/config"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/storage"
)

// store is a repository that can report its own health
type store interface {
	storage.Repository
	Ping(ctx context.Context) error
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(path, envFile)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// gatewayAddress returns host:port of the gateway for TCP probing
func gatewayAddress(gatewayURL string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "ws" || u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func openStore(cfg config.StorageConfig) (store, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		s, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres, config.DriverSQLite:
		s, err := storage.OpenSQL(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
