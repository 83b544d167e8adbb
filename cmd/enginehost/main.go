// Copyright 2026 The enginehost Authors
// This file is part of enginehost.
//
// enginehost is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// enginehost is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with enginehost. If not, see <http://www.gnu.org/licenses/>.

// enginehost registers a locally administered UCI engine with lichess and
// serves analysis jobs dispatched through the external engine broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/enginehost/enginehost/internal/broker"
	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/internal/flags"
	"github.com/enginehost/enginehost/internal/mclock"
	"github.com/enginehost/enginehost/internal/provider"
)

var (
	engineFlag = &cli.StringFlag{
		Name:     "engine",
		Usage:    "shell command to launch the UCI engine",
		Required: true,
	}
	nameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "engine name to register",
		Value: "Alpha 2",
	}
	setOptionFlag = &cli.StringSliceFlag{
		Name:  "setoption",
		Usage: "set a custom UCI option (NAME=VALUE), repeatable",
	}
	lichessFlag = &cli.StringFlag{
		Name:  "lichess",
		Usage: "base URL of the lichess site API",
		Value: "https://lichess.org",
	}
	brokerFlag = &cli.StringFlag{
		Name:  "broker",
		Usage: "base URL of the external engine broker",
		Value: "https://engine.lichess.ovh",
	}
	tokenFlag = &cli.StringFlag{
		Name:    "token",
		Usage:   "API token with engine:read and engine:write scopes",
		EnvVars: []string{"LICHESS_API_TOKEN"},
	}
	providerSecretFlag = &cli.StringFlag{
		Name:    "provider-secret",
		Usage:   "optional fixed provider secret",
		EnvVars: []string{"PROVIDER_SECRET"},
	}
	maxThreadsFlag = &cli.IntFlag{
		Name:  "max-threads",
		Usage: "maximum number of available threads",
		Value: runtime.NumCPU(),
	}
	maxHashFlag = &cli.IntFlag{
		Name:  "max-hash",
		Usage: "maximum hash table size in MiB",
		Value: 512,
	}
	keepAliveFlag = &cli.IntFlag{
		Name:  "keep-alive",
		Usage: "seconds to keep an idle engine process around",
		Value: 300,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "logging verbosity (debug, info, warn, error)",
		Value: "info",
	}
	acceptBoundsFlag = &cli.BoolFlag{
		Name:  "accept-bounds",
		Usage: "show lowerbound/upperbound info lines",
	}
)

func main() {
	app := flags.NewApp("external UCI engine provider for lichess.org")
	app.Flags = []cli.Flag{
		engineFlag,
		nameFlag,
		setOptionFlag,
		lichessFlag,
		brokerFlag,
		tokenFlag,
		providerSecretFlag,
		maxThreadsFlag,
		maxHashFlag,
		keepAliveFlag,
		logLevelFlag,
		acceptBoundsFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	token := ctx.String(tokenFlag.Name)
	if token == "" {
		fmt.Fprintf(os.Stderr, "Need LICHESS_API_TOKEN environment variable from %s/account/oauth/token/create?scopes[]=engine:read&scopes[]=engine:write\n",
			ctx.String(lichessFlag.Name))
		os.Exit(128)
	}

	logger, err := buildLogger(ctx.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	defer logger.Sync()

	options, err := parseOptions(ctx.StringSlice(setOptionFlag.Name))
	if err != nil {
		return err
	}
	engineConfig := engine.Config{
		Command:      ctx.String(engineFlag.Name),
		Options:      options,
		AcceptBounds: ctx.Bool(acceptBoundsFlag.Name),
	}

	client := broker.NewClient(ctx.String(lichessFlag.Name), ctx.String(brokerFlag.Name), token, logger)
	p := provider.New(provider.Config{
		Name:           ctx.String(nameFlag.Name),
		MaxThreads:     ctx.Int(maxThreadsFlag.Name),
		MaxHash:        ctx.Int(maxHashFlag.Name),
		KeepAlive:      time.Duration(ctx.Int(keepAliveFlag.Name)) * time.Second,
		ProviderSecret: ctx.String(providerSecretFlag.Name),
	}, client, func() (provider.Engine, error) {
		return engine.Start(engineConfig, logger, mclock.System{})
	}, logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return p.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func parseOptions(pairs []string) ([]engine.Option, error) {
	var options []engine.Option
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --setoption %q, want NAME=VALUE", pair)
		}
		options = append(options, engine.Option{Name: name, Value: value})
	}
	return options, nil
}
