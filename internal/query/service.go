package query

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"tradeledger/internal/compile"
	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/engine"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
)

// Service answers the read endpoints. Every query first ensures the
// window is ingested and, except deposits, compiled. Trades and deposits
// read the raw fill and deposit tables; the other reads use compiled
// tables.
type Service struct {
	fills        *persistence.FillRepo
	effects      *persistence.EffectRepo
	snapshots    *persistence.SnapshotRepo
	lifecycles   *persistence.LifecycleRepo
	attributions *persistence.AttributionRepo
	deposits     *persistence.DepositRepo

	orch   *compile.Orchestrator
	equity *engine.EquityResolver

	pnlMode config.PnlMode
	cohort  []domain.Address

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(db *sql.DB, ds datasource.DataSource, cfg *config.Config, log zerolog.Logger, m *observability.Metrics) *Service {
	equityRepo := persistence.NewEquityRepo(db)
	depositRepo := persistence.NewDepositRepo(db)
	return &Service{
		fills:        persistence.NewFillRepo(db),
		effects:      persistence.NewEffectRepo(db),
		snapshots:    persistence.NewSnapshotRepo(db),
		lifecycles:   persistence.NewLifecycleRepo(db),
		attributions: persistence.NewAttributionRepo(db),
		deposits:     depositRepo,
		orch:         compile.NewOrchestrator(db, ds, cfg, log, m),
		equity:       engine.NewEquityResolver(equityRepo, depositRepo, liveEquity{ds: ds}, log),
		pnlMode:      cfg.PnlMode,
		cohort:       cfg.LeaderboardUsers,
		log:          log,
		metrics:      m,
	}
}

// liveEquity adapts the datasource to the resolver's fetch shape.
type liveEquity struct {
	ds datasource.DataSource
}

func (l liveEquity) FetchEquity(ctx context.Context, user domain.Address) (domain.Decimal, error) {
	eq, err := l.ds.FetchEquityAt(ctx, user, domain.NowMs())
	if err != nil {
		return domain.Zero(), err
	}
	if eq == nil {
		return domain.Zero(), errors.New("equity unavailable upstream")
	}
	return *eq, nil
}

// Trades lists a user's fills in the window. Under BuilderOnly a fill
// survives only when it is positively attributed and none of its
// lifecycles is tainted; Tainted reports whether anything was dropped.
func (s *Service) Trades(ctx context.Context, p Params) (*TradesResponse, error) {
	if err := s.orch.EnsureCompiled(ctx, p.User, p.Coin, p.FromMs, p.ToMs); err != nil {
		return nil, err
	}

	fills, err := s.fills.ListRange(ctx, p.User, p.Coin, p.FromMs, p.ToMs)
	if err != nil {
		return nil, err
	}

	fps := make([]string, len(fills))
	for i := range fills {
		fps[i] = fills[i].Fingerprint
	}
	attrs, err := s.attributions.MapFor(ctx, fps)
	if err != nil {
		return nil, err
	}

	var taintedByFp map[string]bool
	if p.BuilderOnly {
		if taintedByFp, err = s.fillTaint(ctx, fps); err != nil {
			return nil, err
		}
	}

	resp := &TradesResponse{Trades: []Trade{}}
	for i := range fills {
		f := &fills[i]
		a, hasAttr := attrs[f.Fingerprint]

		if p.BuilderOnly {
			if !hasAttr || !a.Attributed || taintedByFp[f.Fingerprint] {
				resp.Tainted = true
				continue
			}
		}

		t := Trade{
			TimeMs:    f.TimeMs.Int64(),
			Coin:      f.Coin.Upper(),
			Side:      f.Side.String(),
			Px:        f.Px,
			Sz:        f.Sz,
			Fee:       f.Fee,
			ClosedPnl: f.ClosedPnl,
		}
		if hasAttr && a.Attributed && a.Builder != nil {
			b := a.Builder.Lower()
			t.Builder = &b
		}
		resp.Trades = append(resp.Trades, t)
	}
	return resp, nil
}

// fillTaint maps each fingerprint to whether any lifecycle it touched
// is tainted. A flip fill touches two.
func (s *Service) fillTaint(ctx context.Context, fps []string) (map[string]bool, error) {
	effectsByFp, err := s.effects.ListForFingerprints(ctx, fps)
	if err != nil {
		return nil, err
	}

	var lcIDs []string
	seen := make(map[string]bool)
	for _, effs := range effectsByFp {
		for i := range effs {
			if id := effs[i].LifecycleID; !seen[id] {
				seen[id] = true
				lcIDs = append(lcIDs, id)
			}
		}
	}
	tainted, err := s.lifecycles.TaintedIDs(ctx, lcIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(fps))
	for fp, effs := range effectsByFp {
		for i := range effs {
			if tainted[effs[i].LifecycleID] {
				out[fp] = true
				break
			}
		}
	}
	return out, nil
}

// PositionsHistory lists a user's position snapshots in the window.
// Under BuilderOnly, snapshots of tainted lifecycles are dropped and
// the response-level Tainted flag reports the omission.
func (s *Service) PositionsHistory(ctx context.Context, p Params) (*PositionsResponse, error) {
	if err := s.orch.EnsureCompiled(ctx, p.User, p.Coin, p.FromMs, p.ToMs); err != nil {
		return nil, err
	}

	snaps, err := s.snapshots.ListRange(ctx, p.User, p.Coin, p.FromMs, p.ToMs)
	if err != nil {
		return nil, err
	}

	resp := &PositionsResponse{Snapshots: []PositionPoint{}}
	for i := range snaps {
		sn := &snaps[i]
		if p.BuilderOnly && sn.IsTainted {
			resp.Tainted = true
			continue
		}
		resp.Snapshots = append(resp.Snapshots, PositionPoint{
			TimeMs:      sn.TimeMs.Int64(),
			Coin:        sn.Coin.Upper(),
			NetSize:     sn.NetSize,
			AvgEntryPx:  sn.AvgEntryPx,
			LifecycleID: sn.LifecycleID,
			Tainted:     sn.IsTainted,
		})
	}
	return resp, nil
}

// Deposits lists a user's deposits in the window with totals.
func (s *Service) Deposits(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) (*DepositsResponse, error) {
	if err := s.orch.EnsureIngested(ctx, user, fromMs, toMs); err != nil {
		return nil, err
	}

	deposits, err := s.deposits.ListRange(ctx, user, fromMs, toMs)
	if err != nil {
		return nil, err
	}

	resp := &DepositsResponse{
		TotalDeposits: domain.Zero(),
		Deposits:      []DepositRow{},
	}
	for i := range deposits {
		d := &deposits[i]
		resp.TotalDeposits = resp.TotalDeposits.Add(d.Amount)
		resp.Deposits = append(resp.Deposits, DepositRow{
			TimeMs: d.TimeMs.Int64(),
			Amount: d.Amount,
			TxHash: d.TxHash,
		})
	}
	resp.DepositCount = len(resp.Deposits)
	return resp, nil
}
