package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type testConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"server"`
}

func bindTestFlags(fs *flag.FlagSet, cfg *testConfig) {
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")
}

func TestParseConfigFromArgsReadsEnvAndFlags(t *testing.T) {
	t.Setenv("CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("CMD_TEST_MODE", "env-mode")

	cfg := testConfig{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseConfigFromArgs(&cfg, fs, []string{"-address", "flag:9001"}, bindTestFlags); err != nil {
		t.Fatalf("parse config and args: %v", err)
	}
	if cfg.Address != "flag:9001" {
		t.Fatalf("expected flag value for address, got %q", cfg.Address)
	}
	if cfg.Mode != "env-mode" {
		t.Fatalf("expected env default mode, got %q", cfg.Mode)
	}
}

func TestParseConfigFromArgsDefaults(t *testing.T) {
	cfg := testConfig{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseConfigFromArgs(&cfg, fs, nil, bindTestFlags); err != nil {
		t.Fatalf("parse config and args: %v", err)
	}
	if cfg.Address != "127.0.0.1:8080" {
		t.Fatalf("expected default address, got %q", cfg.Address)
	}
}

func TestParseConfigFromArgsRejectsNil(t *testing.T) {
	if err := ParseConfigFromArgs[testConfig](nil, flag.NewFlagSet("t", flag.ContinueOnError), nil, nil); err == nil {
		t.Fatal("expected nil config to be rejected")
	}
	if err := ParseConfigFromArgs(&testConfig{}, nil, nil, nil); err == nil {
		t.Fatal("expected nil flag set to be rejected")
	}
}

func TestRunWithTelemetryValidatesInput(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), " ", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty service name to fail")
	}
	if err := RunWithTelemetry(context.Background(), ServiceConnect, nil); err == nil {
		t.Fatal("expected nil run func to fail")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	t.Setenv("NYRA_OTEL_ENDPOINT", "")
	want := errors.New("boom")
	err := RunWithTelemetry(context.Background(), ServiceConnect, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("RunWithTelemetry error = %v, want %v", err, want)
	}
}
