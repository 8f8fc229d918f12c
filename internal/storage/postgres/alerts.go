package postgres

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/banking/fraud-service/internal/domain"
)

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	if err := row.Scan(&a.ID, &a.TransactionID, &a.UserID, &a.RiskScore, &a.Status,
		&a.AnalystNotes, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// insertAlert opens the alert for rec inside tx. The caller holds the
// sequence lock. An existing alert for the transaction is returned unchanged.
func insertAlert(ctx context.Context, tx pgx.Tx, rec *domain.EvaluationRecord) (*domain.Alert, bool, error) {
	alert, err := scanAlert(tx.QueryRow(ctx, `
		INSERT INTO alerts (id, transaction_id, user_id, risk_score, status, created_at, updated_at)
		VALUES (nextval('alerts_id_seq'), $1, $2, $3, 'NEW', date_trunc('microseconds', now()), date_trunc('microseconds', now()))
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING `+alertColumns,
		rec.TransactionID, rec.UserID, rec.RiskScore))
	if err == nil {
		return alert, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, translate("insert alert "+rec.TransactionID, err)
	}

	existing, err := scanAlert(tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE transaction_id = $1`, rec.TransactionID))
	if err != nil {
		return nil, false, translate("alert for "+rec.TransactionID, err)
	}
	return existing, false, nil
}

// CreateAlert opens the alert for a stored FLAGGED record
func (s *Store) CreateAlert(ctx context.Context, transactionID string) (*domain.Alert, bool, error) {
	var (
		alert   *domain.Alert
		created bool
	)
	err := s.inTx(ctx, pgx.TxOptions{}, "create alert", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sequenceLock); err != nil {
			return translate("lock sequence", err)
		}
		rec, err := scanEvaluation(tx.QueryRow(ctx,
			`SELECT `+evaluationColumns+` FROM evaluations WHERE transaction_id = $1 FOR SHARE`, transactionID))
		if err != nil {
			return translate("transaction "+transactionID, err)
		}
		if !rec.IsFlagged() {
			return domain.InvalidArgument("transaction %s is %s, not FLAGGED", transactionID, rec.RiskCategory)
		}
		alert, created, err = insertAlert(ctx, tx, rec)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return alert, created, nil
}

// UpdateAlertStatus updates in a single statement. The row lock taken by the
// CTE makes the returned previous status the one this update replaced.
// updated_at strictly advances even when the clock has not.
func (s *Store) UpdateAlertStatus(ctx context.Context, id int64, upd domain.StatusUpdate) (*domain.Alert, domain.AlertStatus, error) {
	if _, err := domain.ParseAlertStatus(string(upd.Status)); err != nil {
		return nil, "", err
	}
	var previous domain.AlertStatus
	alert, err := scanAlert(previousStatusScanner{s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, status FROM alerts WHERE id = $1 FOR UPDATE
		)
		UPDATE alerts a
		SET status = $2,
		    analyst_notes = COALESCE($3, a.analyst_notes),
		    updated_at = GREATEST(date_trunc('microseconds', clock_timestamp()), a.updated_at + interval '1 microsecond')
		FROM prev
		WHERE a.id = prev.id
		RETURNING `+qualifiedAlertColumns+`, prev.status`,
		id, string(upd.Status), upd.AnalystNotes), &previous})
	if err != nil {
		return nil, "", translate("alert "+strconv.FormatInt(id, 10), err)
	}
	return alert, previous, nil
}

// previousStatusScanner appends the replaced status to an alert row scan
type previousStatusScanner struct {
	row      pgx.Row
	previous *domain.AlertStatus
}

func (p previousStatusScanner) Scan(dest ...any) error {
	return p.row.Scan(append(dest, p.previous)...)
}

// GetAlert loads one alert
func (s *Store) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	alert, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, translate("alert "+strconv.FormatInt(id, 10), err)
	}
	return alert, nil
}

// QueryAlerts counts and pages inside one repeatable-read snapshot
func (s *Store) QueryAlerts(ctx context.Context, filter domain.AlertFilter, req domain.PageRequest) (*domain.Page[*domain.Alert], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var page *domain.Page[*domain.Alert]
	err := s.inTx(ctx, readSnapshot, "query alerts", func(tx pgx.Tx) error {
		snapshot := req.Snapshot
		if snapshot == 0 {
			if err := tx.QueryRow(ctx, `SELECT COALESCE(max(id), 0) FROM alerts`).Scan(&snapshot); err != nil {
				return translate("read snapshot", err)
			}
		}

		where := alertWhere(filter, snapshot)
		var total int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM alerts`+where.sql(), where.args...).Scan(&total); err != nil {
			return translate("count alerts", err)
		}

		content := make([]*domain.Alert, 0, req.Size)
		if req.Offset() < total {
			q := `SELECT ` + alertColumns + ` FROM alerts` + where.sql() + alertOrder +
				` LIMIT ` + where.next(req.Size) + ` OFFSET ` + where.next(req.Offset())
			alerts, err := collectAlerts(ctx, tx, q, where.args...)
			if err != nil {
				return err
			}
			content = alerts
		}
		page = domain.NewPage(content, req, total, snapshot)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ListAlerts returns up to limit matching alerts without paging metadata
func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		return nil, domain.InvalidArgument("limit must be positive, got %d", limit)
	}
	where := &whereBuilder{}
	if filter.Status != "" {
		where.add("status = $%d", string(filter.Status))
	}
	q := `SELECT ` + alertColumns + ` FROM alerts` + where.sql() + alertOrder + ` LIMIT ` + where.next(limit)
	return collectAlerts(ctx, s.pool, q, where.args...)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func collectAlerts(ctx context.Context, q querier, sql string, args ...any) ([]*domain.Alert, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("query alerts", err)
	}
	defer rows.Close()

	out := []*domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, translate("scan alert", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("query alerts", err)
	}
	return out, nil
}
