// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command rsbridge starts the MCP Resource Server bridge: the JSON-RPC
// dispatcher and session façade fronted by an OAuth 2.1 resource-server
// layer that maps opaque local tokens onto an upstream identity provider.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcpbridge/rsbridge/internal/authresolver"
	"github.com/mcpbridge/rsbridge/internal/config"
	"github.com/mcpbridge/rsbridge/internal/dispatcher"
	"github.com/mcpbridge/rsbridge/internal/httpapi"
	"github.com/mcpbridge/rsbridge/internal/logger"
	"github.com/mcpbridge/rsbridge/internal/oauthengine"
	"github.com/mcpbridge/rsbridge/internal/refresher"
	"github.com/mcpbridge/rsbridge/internal/reqctx"
	"github.com/mcpbridge/rsbridge/internal/sessionstore"
	"github.com/mcpbridge/rsbridge/internal/tokenstore"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func main() {
	if err := run(); err != nil {
		logger.Errorf("rsbridge exited with error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer redisClient.Close()
	}

	tokens, err := tokenstore.NewFromConfig(cfg.Storage, redisClient)
	if err != nil {
		return err
	}
	defer tokens.Close()

	var sessions sessionstore.Store
	if redisClient != nil {
		sessions = sessionstore.NewRedisStore(redisClient, "rsbridge:sessions")
	} else {
		sessions = sessionstore.NewMemoryStore()
	}
	defer sessions.Close()

	requests := reqctx.NewRegistry()
	defer requests.Close()

	providerCfg := &refresher.ProviderConfig{
		ClientID:          cfg.Provider.ClientID,
		ClientSecret:      cfg.Provider.ClientSecret,
		AccountsURL:       cfg.Provider.AccountsURL,
		TokenEndpointPath: cfg.Provider.TokenEndpointPath,
	}
	burst := int(cfg.Throttle.RPSLimit * 2)
	ref := refresher.New(tokens, cfg.Throttle.RPSLimit, burst, cfg.Throttle.ConcurrencyLimit)
	resolver := authresolver.New(cfg.Auth, cfg.Server.AcceptHeaders, tokens, ref, providerCfg)

	callbackURL := cfg.OAuth.RedirectURI
	if callbackURL == "" {
		callbackURL = "http://" + cfg.Server.Host + ":" + cfg.Server.Port + "/oauth/callback"
	}
	engine := oauthengine.New(tokens, cfg.OAuth, cfg.CIMD, cfg.Provider, callbackURL)

	disp := dispatcher.New(dispatcher.ServerInfo{
		Title:        cfg.Server.Title,
		Version:      cfg.Server.Version,
		Instructions: cfg.Server.Instructions,
	}, requests)
	registerBuiltinTools(disp, ref, providerCfg)

	api := httpapi.New(cfg.Server, cfg.Auth, disp, sessions, requests, resolver, engine)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infow("rsbridge listening", "component", "main", "addr", addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server failed: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infow("shutting down", "component", "main")

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	logger.Infow("shutdown complete", "component", "main")
	return nil
}
