package compile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
)

// Ingestor pulls raw fills and deposits from the exchange into the
// store. Fingerprints make the write path idempotent, so overlapping
// windows cost only the upstream call.
type Ingestor struct {
	db       *sql.DB
	ds       datasource.DataSource
	fills    *persistence.FillRepo
	deposits *persistence.DepositRepo

	// lookbackMs widens every fetch window backwards so a position
	// opened before the requested range still has its opening fills.
	lookbackMs int64

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewIngestor(db *sql.DB, ds datasource.DataSource, lookbackMs int64, log zerolog.Logger, m *observability.Metrics) *Ingestor {
	return &Ingestor{
		db:         db,
		ds:         ds,
		fills:      persistence.NewFillRepo(db),
		deposits:   persistence.NewDepositRepo(db),
		lookbackMs: lookbackMs,
		log:        log,
		metrics:    m,
	}
}

// EnsureIngested fetches and stores a user's fills and deposits
// covering [fromMs, toMs], extended backwards by the lookback.
func (i *Ingestor) EnsureIngested(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) error {
	start := time.Now()
	defer func() { i.metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	fetchFrom := fromMs.Int64() - i.lookbackMs
	if fetchFrom < 0 {
		fetchFrom = 0
	}

	fills, err := i.ds.FetchFills(ctx, user, domain.NewTimeMs(fetchFrom), toMs)
	if err != nil {
		return fmt.Errorf("ingest fills %s: %w", user, err)
	}
	deposits, err := i.ds.FetchDeposits(ctx, user, domain.NewTimeMs(fetchFrom), toMs)
	if err != nil {
		return fmt.Errorf("ingest deposits %s: %w", user, err)
	}

	var insertedFills, insertedDeposits int
	err = persistence.WithTx(ctx, i.db, func(tx *sql.Tx) error {
		var err error
		if insertedFills, err = i.fills.InsertFills(ctx, tx, fills); err != nil {
			return err
		}
		insertedDeposits, err = i.deposits.InsertDeposits(ctx, tx, deposits)
		return err
	})
	if err != nil {
		return fmt.Errorf("ingest store %s: %w", user, err)
	}

	i.metrics.FillsIngested.Add(float64(insertedFills))
	i.metrics.FillsDeduplicated.Add(float64(len(fills) - insertedFills))
	i.metrics.DepositsIngested.Add(float64(insertedDeposits))

	i.log.Debug().Str("user", user.Lower()).
		Int("fills_fetched", len(fills)).Int("fills_new", insertedFills).
		Int("deposits_new", insertedDeposits).
		Int64("from_ms", fetchFrom).Int64("to_ms", toMs.Int64()).
		Msg("ingested window")
	return nil
}
