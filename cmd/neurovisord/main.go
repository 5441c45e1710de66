// Command neurovisord is the control-plane daemon (spec.md §1-§9): it
// wires the VM manager, warm pool, rate limiter, chat client, and agent
// loop behind an HTTP API. Grounded on the teacher's cmd/vulcan/main.go
// wiring shape, expanded for the extra components this daemon has over
// the teacher's single backend registry + engine.
package main

import (
	"context"
	"log"
	"os"

	"github.com/neurovisor/control-plane/internal/agent"
	"github.com/neurovisor/control-plane/internal/api"
	"github.com/neurovisor/control-plane/internal/chatclient"
	"github.com/neurovisor/control-plane/internal/config"
	"github.com/neurovisor/control-plane/internal/pool"
	"github.com/neurovisor/control-plane/internal/ratelimit"
	"github.com/neurovisor/control-plane/internal/store"
	"github.com/neurovisor/control-plane/internal/vm"
	"github.com/neurovisor/control-plane/internal/vm/jail"
)

const systemPrompt = `You are a careful coding assistant. You can run code via the execute_code tool, which executes inside an isolated, network-less microVM with no access to the host or the internet. Use it to verify your work before answering. Give a direct, concise final answer once you are confident.`

func main() {
	// Every hypervisor process is launched as a reexec of this same binary
	// (internal/vm/jail.WrapForExec); on that hop, drop capabilities and
	// install the seccomp filter before handing off to the real target and
	// never return to the rest of main (spec.md §4.5).
	if err := jail.MaybeReexecJailed(); err != nil {
		log.Fatalf("jail reexec failed: %v", err)
	}

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("neurovisord: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"pool_warm_target", cfg.Pool.WarmTarget,
		"pool_max_total", cfg.Pool.MaxTotal,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	manager := vm.NewManager(cfg.VM, logger)

	p := pool.New(cfg.Pool, manager, logger)
	if err := p.Initialize(context.Background()); err != nil {
		log.Fatalf("failed to initialize VM pool: %v", err)
	}
	defer p.Shutdown(context.Background())

	chat := chatclient.New(cfg.Chat)
	limiter := ratelimit.New(cfg.Rate.Capacity, cfg.Rate.Refill)
	loop := agent.New(chat, p, cfg.Agent, logger)

	srv := api.New(cfg.ListenAddr, db, p, loop, limiter, cfg.ChatModel, systemPrompt, cfg.Agent.MaxIterations, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
