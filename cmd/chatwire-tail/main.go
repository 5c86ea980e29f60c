// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Chatwire-tail connects to the chat service and prints the domain
// event stream to stdout, one line per event. It exists for protocol
// debugging: watching what the service pushes while reproducing
// behavior against a real account.
//
// Credentials persist across runs in a CBOR cache file; the first run
// needs --refresh-token (or the refresh_token config key) to seed it.
//
//	chatwire-tail --config chatwire.yaml
//	chatwire-tail --base-url https://chat.example.com --refresh-token 1//abc
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/chatwire/chatwire/chat"
	"github.com/chatwire/chatwire/lib/tokencache"
)

type config struct {
	BaseURL         string `yaml:"base_url"`
	RefreshToken    string `yaml:"refresh_token"`
	CredentialsFile string `yaml:"credentials_file"`
	MetricsListen   string `yaml:"metrics_listen"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatwire-tail: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      = pflag.String("config", "", "YAML config file")
		baseURL         = pflag.String("base-url", "", "service base URL")
		refreshToken    = pflag.String("refresh-token", "", "refresh token for the first run")
		credentialsFile = pflag.String("credentials-file", "", "CBOR credential cache path")
		metricsListen   = pflag.String("metrics-listen", "", "address for the Prometheus metrics endpoint (empty disables)")
		verbose         = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var cfg config
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", *configPath, err)
		}
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *refreshToken != "" {
		cfg.RefreshToken = *refreshToken
	}
	if *credentialsFile != "" {
		cfg.CredentialsFile = *credentialsFile
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	if cfg.BaseURL == "" {
		return errors.New("--base-url (or base_url in the config) is required")
	}
	if cfg.CredentialsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.CredentialsFile = home + "/.config/chatwire/tokens.cbor"
	}

	var creds chat.Credentials
	switch err := tokencache.Load(cfg.CredentialsFile, &creds); {
	case err == nil:
		log.Info("loaded cached credentials", "path", cfg.CredentialsFile)
	case errors.Is(err, tokencache.ErrNotFound):
		if cfg.RefreshToken == "" {
			return errors.New("no cached credentials; --refresh-token is required for the first run")
		}
		creds = chat.Credentials{RefreshToken: cfg.RefreshToken}
	default:
		return err
	}

	client, err := chat.New(chat.Config{
		BaseURL:     cfg.BaseURL,
		Credentials: creds,
		Log:         log,
		Registry:    prometheus.DefaultRegisterer,
		OnCredentials: func(updated chat.Credentials) {
			if err := tokencache.Store(cfg.CredentialsFile, updated); err != nil {
				log.Warn("persisting refreshed credentials failed", "error", err)
			}
		},
	})
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	client.Subscribe(printEvent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := client.Start(ctx); err != nil {
		return err
	}
	log.Info("streaming events", "base_url", cfg.BaseURL)

	<-ctx.Done()
	log.Info("shutting down")
	client.Stop()

	if err := tokencache.Store(cfg.CredentialsFile, client.Credentials()); err != nil {
		log.Warn("persisting credentials on shutdown failed", "error", err)
	}
	return nil
}

func printEvent(event chat.DomainEvent) {
	meta := event.Meta()
	prefix := fmt.Sprintf("%d %s topic=%s msg=%s from=%s",
		meta.TimestampMicros, meta.Group.Canonical(), meta.Topic, meta.Message, meta.Sender)

	switch e := event.(type) {
	case *chat.MessageCreated:
		fmt.Printf("%s posted: %s\n", prefix, e.Text)
	case *chat.MessageEdited:
		fmt.Printf("%s edited: %s\n", prefix, e.Text)
	case *chat.MessageDeleted:
		fmt.Printf("%s deleted\n", prefix)
	case *chat.ReactionChanged:
		verb := "removed"
		if e.Added {
			verb = "added"
		}
		fmt.Printf("%s reaction %s: %s\n", prefix, verb, e.Emoji)
	case *chat.ReadReceipt:
		fmt.Printf("%s read\n", prefix)
	case *chat.TypingState:
		state := "stopped typing"
		if e.Typing {
			state = "typing"
		}
		fmt.Printf("%s %s\n", prefix, state)
	case *chat.MembershipChanged:
		verb := "left"
		if e.Joined {
			verb = "joined"
		}
		fmt.Printf("%s %s\n", prefix, verb)
	}
}
