// Package connect parses connect service flags and launches the service.
package connect

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/nyra/internal/platform/cmd"
	server "github.com/louisbranch/nyra/internal/services/connect/app"
)

// Config holds connect command configuration.
type Config struct {
	Port     int    `env:"NYRA_CONNECT_PORT"      envDefault:"8096"`
	HTTPAddr string `env:"NYRA_CONNECT_HTTP_ADDR" envDefault:"localhost:8095"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfigFromArgs(&cfg, fs, args, bindFlags); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The connect gRPC health server port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The connect HTTP server address")
}

// Run starts the connect service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceConnect, func(ctx context.Context) error {
		return server.Run(ctx, cfg.Port, cfg.HTTPAddr)
	})
}
