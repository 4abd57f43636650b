// ThreadClaw - Discord thread and chat assistant
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/channels"
	"github.com/zhaopengme/threadclaw/pkg/chat"
	"github.com/zhaopengme/threadclaw/pkg/config"
	"github.com/zhaopengme/threadclaw/pkg/fetch"
	"github.com/zhaopengme/threadclaw/pkg/gateway"
	"github.com/zhaopengme/threadclaw/pkg/health"
	"github.com/zhaopengme/threadclaw/pkg/images"
	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/providers"
	"github.com/zhaopengme/threadclaw/pkg/summary"
	"github.com/zhaopengme/threadclaw/pkg/tools"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Connect to Discord and serve chat and summaries",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider, model, err := providers.CreateProvider(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	discord, err := channels.NewDiscordChannel(cfg.Discord, msgBus, cfg.Fetch.SummaryLimit)
	if err != nil {
		return err
	}

	sched := fetch.NewScheduler(discord, schedulerOptions(cfg, reg))

	blacklist := tools.NewBlacklist(nil)
	registry := newToolRegistry(cfg, reg)
	registry.Register(tools.NewDiscordTool(discord.Session(), cfg.Discord.GuildID, cfg.Discord.AdminIDs, blacklist))

	imageCache, err := images.NewCache(images.Options{})
	if err != nil {
		return err
	}

	chatHandler := chat.NewHandler(cfg, chat.Deps{
		History:   sched,
		Provider:  provider,
		Model:     model,
		Tools:     registry,
		Blacklist: blacklist,
		Images:    imageCache,
		Out:       msgBus,
	})

	summarizer := summary.NewSummarizer(sched, provider, summary.Options{
		Model:      model,
		Mode:       cfg.LLM.Format,
		AdminIDs:   cfg.Discord.AdminIDs,
		Location:   cfg.Discord.Location(),
		Wait:       cfg.Fetch.SummaryWait,
		Limit:      cfg.Fetch.SummaryLimit,
		LLMOptions: llmOptions(cfg.LLM),
	})

	gw := gateway.NewCommandGateway(msgBus, discord, chatHandler, summarizer, sched, gateway.Options{
		AllowChannels: cfg.Discord.AllowChannels,
		Blacklist:     blacklist,
		Version:       version,
	})

	if err := discord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := discord.Stop(context.Background()); err != nil {
			logger.WarnCF("gateway", "Discord shutdown failed", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("gateway", "Gateway started", map[string]any{
		"model":   model,
		"format":  cfg.LLM.Format,
		"tools":   registry.List(),
		"grammar": cfg.Tools.Grammar,
	})
	fmt.Printf("%s ThreadClaw %s is running. Press Ctrl+C to stop.\n", logo, formatVersion())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sched.Run(ctx) })
	eg.Go(func() error { return gw.Run(ctx) })
	if cfg.Health.Enabled {
		srv := health.NewServer(cfg.Health.Addr, sched, reg, version)
		eg.Go(func() error { return srv.Run(ctx) })
	}

	err = eg.Wait()
	logger.InfoC("gateway", "Gateway stopped")
	return err
}

func schedulerOptions(cfg *config.Config, reg *prometheus.Registry) fetch.Options {
	opts := fetch.DefaultOptions()
	opts.GuildID = cfg.Discord.GuildID
	if cfg.Fetch.RateLimit > 0 {
		opts.RateLimit = cfg.Fetch.RateLimit
	}
	if cfg.Fetch.RateWindow > 0 {
		opts.RateWindow = cfg.Fetch.RateWindow
	}
	if cfg.Fetch.MaxRetries >= 0 {
		opts.MaxRetries = cfg.Fetch.MaxRetries
	}
	if cfg.Fetch.CacheTTL > 0 {
		opts.CacheTTL = cfg.Fetch.CacheTTL
	}
	opts.Registry = reg
	return opts
}

// newToolRegistry registers the tools that need no Discord session.
func newToolRegistry(cfg *config.Config, reg *prometheus.Registry) *tools.ToolRegistry {
	registry := tools.NewToolRegistry(reg)
	if cfg.Tools.SearxngURL != "" {
		registry.Register(tools.NewSearchTool(cfg.Tools.SearxngURL, nil))
	}
	registry.Register(tools.NewWebpageTool(nil))
	return registry
}

func llmOptions(cfg config.LLMConfig) map[string]any {
	opts := map[string]any{}
	if cfg.MaxTokens > 0 {
		opts[providers.OptMaxTokens] = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		opts[providers.OptTemperature] = cfg.Temperature
	}
	return opts
}
