package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

// ProceedStats summarises how often visitors went on to a destination.
type ProceedStats struct {
	Total         int64
	LastProceedAt *Date
}

type proceedStatsRow struct {
	Total         int64 `db:"total"`
	LastProceedAt *Date `db:"last_proceed_at"`
}

// ProceedsRepo records visitors that completed the countdown and chose to proceed.
type ProceedsRepo struct {
	db *sql.DB
}

func NewProceedsRepo(db *sql.DB) *ProceedsRepo {
	return &ProceedsRepo{db: db}
}

func (r *ProceedsRepo) Create(ctx context.Context, destinationURL, userAgent, ipAddress string) error {
	executor := goqu.New("sqlite3", r.db)

	log.Debug().Str("destination", destinationURL).Str("ip", ipAddress).Msg("recording proceed")

	now := Date(time.Now().UTC())
	query := executor.Insert("proceeds").
		Cols("destination_url", "proceeded_at", "user_agent", "ip_address").
		Vals([]any{destinationURL, now, userAgent, ipAddress})

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		log.Error().Err(err).Str("destination", destinationURL).Msg("failed to record proceed")
		return err
	}
	return nil
}

func (r *ProceedsRepo) GetStats(ctx context.Context, destinationURL string) (*ProceedStats, error) {
	executor := goqu.New("sqlite3", r.db)

	query := executor.From("proceeds").Where(goqu.Ex{"destination_url": destinationURL}).Select(
		goqu.COUNT("*").As("total"),
		goqu.MAX("proceeded_at").As("last_proceed_at"),
	)

	var row proceedStatsRow
	found, err := query.ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return &ProceedStats{}, nil
	}

	return row.toDomain(), nil
}

func (r *proceedStatsRow) toDomain() *ProceedStats {
	return &ProceedStats{
		Total:         r.Total,
		LastProceedAt: r.LastProceedAt,
	}
}
