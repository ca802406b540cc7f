package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrRecordNotFound is returned by RecordsRepo.Get when no record has the name.
var ErrRecordNotFound = errors.New("record not found")

type recordRow struct {
	Name      string `db:"name"`
	Data      string `db:"data"`
	UpdatedAt Date   `db:"updated_at"`
}

// RecordsRepo stores named blobs, one row per name.
type RecordsRepo struct {
	db *sql.DB
}

func NewRecordsRepo(db *sql.DB) *RecordsRepo {
	return &RecordsRepo{db: db}
}

func (r *RecordsRepo) Get(ctx context.Context, name string) ([]byte, error) {
	executor := goqu.New("sqlite3", r.db)

	query := executor.From("records").
		Select("name", "data", "updated_at").
		Where(goqu.Ex{"name": name})

	var row recordRow
	found, err := query.ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("name", name).Msg("failed to read record")
		return nil, err
	}
	if !found {
		return nil, ErrRecordNotFound
	}

	log.Debug().Str("name", name).Str("updated_at", row.UpdatedAt.String()).Msg("record loaded")
	return []byte(row.Data), nil
}

// Put replaces the record's data.
func (r *RecordsRepo) Put(ctx context.Context, name string, data []byte) error {
	executor := goqu.New("sqlite3", r.db)

	now := Date(time.Now().UTC())
	query := executor.Insert("records").
		Rows(recordRow{Name: name, Data: string(data), UpdatedAt: now}).
		OnConflict(goqu.DoUpdate("name", goqu.Record{
			"data":       goqu.L("excluded.data"),
			"updated_at": goqu.L("excluded.updated_at"),
		}))

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		log.Error().Err(err).Str("name", name).Msg("failed to write record")
		return err
	}

	log.Debug().Str("name", name).Int("bytes", len(data)).Msg("record saved")
	return nil
}
