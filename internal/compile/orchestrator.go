package compile

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
)

// Orchestrator is the query side's entry point into the pipeline: it
// makes sure the store is ingested and compiled for a window before
// anything reads from it.
type Orchestrator struct {
	ingestor *Ingestor
	compiler *Compiler
	fills    *persistence.FillRepo
	log      zerolog.Logger
}

func NewOrchestrator(db *sql.DB, ds datasource.DataSource, cfg *config.Config, log zerolog.Logger, m *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		ingestor: NewIngestor(db, ds, cfg.LookbackMs, log, m),
		compiler: NewCompiler(db, ds, cfg.AttributionMode, cfg.TargetBuilder, log, m),
		fills:    persistence.NewFillRepo(db),
		log:      log,
	}
}

// EnsureIngested pulls the window's raw fills and deposits without
// compiling. Serves reads that only need raw rows.
func (o *Orchestrator) EnsureIngested(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) error {
	return o.ingestor.EnsureIngested(ctx, user, fromMs, toMs)
}

// EnsureCompiled ingests [fromMs, toMs] for a user and compiles every
// affected pair. An empty coin means all coins the user has traded.
// Pairs compile in coin order so repeated calls do the same work in the
// same sequence.
func (o *Orchestrator) EnsureCompiled(ctx context.Context, user domain.Address, coin domain.Coin, fromMs, toMs domain.TimeMs) error {
	if err := o.ingestor.EnsureIngested(ctx, user, fromMs, toMs); err != nil {
		return err
	}

	var coins []domain.Coin
	if coin != "" {
		coins = []domain.Coin{coin}
	} else {
		var err error
		if coins, err = o.fills.ListCoins(ctx, user); err != nil {
			return err
		}
	}

	for _, c := range coins {
		if err := o.compiler.CompilePair(ctx, user, c); err != nil {
			return err
		}
	}
	return nil
}
