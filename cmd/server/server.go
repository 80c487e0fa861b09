package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"oddsmint/internal/chain"
	"oddsmint/internal/config"
	"oddsmint/internal/eventbus"
	"oddsmint/internal/fees"
	"oddsmint/internal/history"
	"oddsmint/internal/matching"
	"oddsmint/internal/money"
	"oddsmint/internal/net"
	"oddsmint/internal/orchestrator"
	"oddsmint/internal/persistence"
	"oddsmint/internal/settlement"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Logging.Level))
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	feePolicy := fees.Policy{
		MakerBps:      cfg.Fees.MakerBps,
		TakerBps:      cfg.Fees.TakerBps,
		MinOrderValue: money.Amount(cfg.Fees.MinOrderValue),
	}
	hist := history.WithLimits(cfg.History.MaxTradesPerBook, cfg.History.MaxOrdersPerUser)
	bus := eventbus.New()

	store := persistence.New()
	gateway := chain.New()

	eng := matching.New(feePolicy, bus, hist)
	orch := orchestrator.New(eng, store,
		orchestrator.WithRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseBackoff),
		orchestrator.WithChainGateway(gateway),
		orchestrator.WithEventSink(bus),
	)
	settlement.New(store) // settlement processor; exposed over the wire protocol is future work

	srv := net.New(cfg.Server.Address, cfg.Server.Port, orch)

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	t.Go(func() error {
		return bus.Run(t)
	})

	log.Info().Str("address", cfg.Server.Address).Int("port", cfg.Server.Port).Msg("oddsmint exchange starting")

	<-ctx.Done()
	srv.Shutdown()
	t.Wait()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
