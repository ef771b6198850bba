// standupd - supervisor and control API for the moshi speech model.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/personaplex/standupd/internal/cli"
	"github.com/personaplex/standupd/internal/config"
	"github.com/personaplex/standupd/internal/health"
	"github.com/personaplex/standupd/internal/history"
	"github.com/personaplex/standupd/internal/prompt"
	"github.com/personaplex/standupd/internal/server"
	"github.com/personaplex/standupd/internal/store"
	"github.com/personaplex/standupd/internal/supervisor"
)

// Version information (set at build time)
var (
	Version   = "0.2.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
	server.Version = Version
}

func main() {
	cmd, args := cli.Parse(os.Args[1:])

	switch cmd {
	case cli.CmdServe:
		runServe()
	case cli.CmdStatus:
		exitOnError(cli.NewClient(args).HandleStatus())
	case cli.CmdContext:
		exitOnError(cli.NewClient(args).HandleContext())
	case cli.CmdRestart:
		exitOnError(cli.NewClient(args).HandleRestart())
	case cli.CmdLogs:
		exitOnError(cli.NewClient(args).HandleLogs(args.Lines))
	case cli.CmdHistory:
		exitOnError(cli.NewClient(args).HandleHistory(args.Lines))
	case cli.CmdVersion:
		cli.PrintVersion()
	case cli.CmdHelp:
		cli.PrintUsage()
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe is the daemon entry point: load config, render the boot prompt,
// launch moshi, and serve the control API until SIGTERM/SIGINT.
func runServe() {
	// Local overrides first, then the shared file; both optional.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("CONFIG_ERROR | %v", err)
	}

	contexts := store.New(cfg.MaxContextBytes)
	renderer := prompt.New(cfg.PromptPath, cfg.MaxContextBytes)

	sup := supervisor.New(supervisor.Config{
		Command:        cfg.ModelCommand,
		ModelPort:      cfg.ModelPort,
		VoicePrompt:    cfg.VoicePrompt,
		PromptPath:     cfg.PromptPath,
		SSLDir:         cfg.SSLDir,
		CPUOffload:     cfg.CPUOffload,
		HFToken:        cfg.HFToken,
		StartupTimeout: cfg.StartupTimeout(),
		StopTimeout:    cfg.StopTimeout(),
	})

	var audit *history.Log
	if cfg.HistoryPath != "" {
		audit, err = history.Open(cfg.HistoryPath)
		if err != nil {
			log.Printf("HISTORY_DISABLED | path=%s error=%v", cfg.HistoryPath, err)
			audit = nil
		} else {
			defer audit.Close()
		}
	}

	srv := server.New(cfg.APIPort, contexts, renderer, sup,
		health.New(sup, cfg.ModelPort)).
		WithHistory(audit).
		WithRateLimit(cfg.RateLimitPerMinute)

	// The model needs a prompt file before its first launch; boot with the
	// bare persona until an agent submits context.
	if err := renderer.Write(renderer.Render(store.Context{})); err != nil {
		log.Fatalf("PROMPT_BOOT_ERROR | path=%s error=%v", cfg.PromptPath, err)
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout())
	if err := sup.Start(bootCtx); err != nil {
		// The API still comes up; operators recover via POST /restart.
		log.Printf("MOSHI_START_FAILED | error=%v (recover via POST /restart)", err)
	}
	cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Printf("SHUTDOWN | signal=%s", sig)
	case err := <-errCh:
		log.Printf("SERVER_ERROR | error=%v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("SERVER_SHUTDOWN_ERROR | error=%v", err)
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		log.Printf("MOSHI_STOP_ERROR | error=%v", err)
	}
}
