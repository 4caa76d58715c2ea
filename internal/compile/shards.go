package compile

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
)

// shardProvider hands out builder log rows by day, backed by the shard
// cache. Each daily shard is fetched from upstream at most once; missing
// and unparseable shards are cached as definitive outcomes so they are
// not re-fetched either.
type shardProvider struct {
	db      *sql.DB
	repo    *persistence.ShardRepo
	ds      datasource.DataSource
	log     zerolog.Logger
	metrics *observability.Metrics
}

func newShardProvider(db *sql.DB, ds datasource.DataSource, log zerolog.Logger, m *observability.Metrics) *shardProvider {
	return &shardProvider{
		db:      db,
		repo:    persistence.NewShardRepo(db),
		ds:      ds,
		log:     log,
		metrics: m,
	}
}

// rows returns the log rows of one shard and whether the shard is
// available. A definitive miss (shard absent upstream, or unparseable)
// is cached and reported as unavailable; transient transport failures
// are reported as unavailable without caching, so the next batch tries
// again.
func (p *shardProvider) rows(ctx context.Context, builder domain.Address, day string) ([]domain.BuilderLogRow, bool, error) {
	status, err := p.repo.GetStatus(ctx, builder, day)
	if err != nil {
		return nil, false, err
	}

	switch status {
	case persistence.ShardFetched:
		logRows, err := p.repo.ListRows(ctx, builder, day)
		if err != nil {
			return nil, false, err
		}
		return logRows, true, nil
	case persistence.ShardMissing, persistence.ShardParseError:
		return nil, false, nil
	}

	logRows, err := p.ds.FetchBuilderLogShard(ctx, builder, day)
	now := domain.NewTimeMs(time.Now().UnixMilli())

	switch {
	case err == nil:
		if err := p.repo.SaveShard(ctx, p.db, builder, day, persistence.ShardFetched, now, logRows); err != nil {
			return nil, false, err
		}
		return logRows, true, nil

	case errors.Is(err, datasource.ErrShardMissing):
		if err := p.repo.SaveShard(ctx, p.db, builder, day, persistence.ShardMissing, now, nil); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	case isParseFailure(err):
		p.log.Warn().Err(err).Str("builder", builder.String()).Str("day", day).
			Msg("builder log shard unparseable")
		if err := p.repo.SaveShard(ctx, p.db, builder, day, persistence.ShardParseError, now, nil); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	default:
		p.log.Warn().Err(err).Str("builder", builder.String()).Str("day", day).
			Msg("builder log shard fetch failed")
		return nil, false, nil
	}
}

func isParseFailure(err error) bool {
	var dsErr *datasource.Error
	return errors.As(err, &dsErr) && dsErr.Kind == datasource.KindParse
}
