package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/storage"
)

// Writers take this transaction-scoped advisory lock before drawing sequence
// numbers, so sequences become visible in the order they were drawn and a
// snapshot taken at max(seq) never gains rows later.
const sequenceLock = 0x66726175 // "frau"

var _ storage.Store = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*domain.EvaluationRecord, error) {
	var (
		rec   domain.EvaluationRecord
		rules []byte
	)
	err := row.Scan(
		&rec.TransactionID, &rec.Seq, &rec.UserID, &rec.Amount, &rec.MerchantID, &rec.MerchantCategory,
		&rec.DeviceID, &rec.LocationState, &rec.LocationCountry, &rec.Channel, &rec.Timestamp,
		&rec.RiskScore, &rec.RiskCategory, &rec.RuleScore, &rec.StatisticalScore, &rec.MLScore,
		&rec.ZScore, &rec.VelocityCount, &rules, &rec.Explanation, &rec.AlertCreated, &rec.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &rec.TriggeredRules); err != nil {
		return nil, fmt.Errorf("decode triggered rules for %s: %w", rec.TransactionID, err)
	}
	if rec.TriggeredRules == nil {
		rec.TriggeredRules = []domain.TriggeredRule{}
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.EvaluatedAt = rec.EvaluatedAt.UTC()
	return &rec, nil
}

// PutEvaluation inserts the record and, if FLAGGED, its alert in one transaction
func (s *Store) PutEvaluation(ctx context.Context, rec *domain.EvaluationRecord) (*domain.EvaluationRecord, *domain.Alert, error) {
	rules, err := json.Marshal(rec.TriggeredRules)
	if err != nil {
		return nil, nil, fmt.Errorf("encode triggered rules: %w", err)
	}

	var (
		stored = rec.Clone()
		alert  *domain.Alert
	)
	stored.AlertCreated = stored.IsFlagged()

	err = s.inTx(ctx, pgx.TxOptions{}, "put evaluation", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sequenceLock); err != nil {
			return translate("lock sequence", err)
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO evaluations (`+evaluationColumns+`)
			VALUES ($1, nextval('evaluations_seq'), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			        $13, $14, $15, $16, $17, $18::jsonb, $19, $20, $21)
			RETURNING seq
		`,
			stored.TransactionID, stored.UserID, stored.Amount, stored.MerchantID, stored.MerchantCategory,
			stored.DeviceID, stored.LocationState, stored.LocationCountry, stored.Channel, stored.Timestamp,
			stored.RiskScore, string(stored.RiskCategory), stored.RuleScore, stored.StatisticalScore,
			stored.MLScore, stored.ZScore, stored.VelocityCount, string(rules), stored.Explanation,
			stored.AlertCreated, stored.EvaluatedAt,
		).Scan(&stored.Seq)
		if err != nil {
			return translate("insert evaluation "+stored.TransactionID, err)
		}

		if stored.IsFlagged() {
			alert, _, err = insertAlert(ctx, tx, stored)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, alert, nil
}

// GetEvaluation loads one record
func (s *Store) GetEvaluation(ctx context.Context, transactionID string) (*domain.EvaluationRecord, error) {
	rec, err := scanEvaluation(s.pool.QueryRow(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE transaction_id = $1`, transactionID))
	if err != nil {
		return nil, translate("transaction "+transactionID, err)
	}
	return rec, nil
}

// QueryEvaluations counts and pages inside one repeatable-read snapshot
func (s *Store) QueryEvaluations(ctx context.Context, filter domain.EvaluationFilter, req domain.PageRequest) (*domain.Page[*domain.EvaluationRecord], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var page *domain.Page[*domain.EvaluationRecord]
	err := s.inTx(ctx, readSnapshot, "query evaluations", func(tx pgx.Tx) error {
		snapshot := req.Snapshot
		if snapshot == 0 {
			if err := tx.QueryRow(ctx, `SELECT COALESCE(max(seq), 0) FROM evaluations`).Scan(&snapshot); err != nil {
				return translate("read snapshot", err)
			}
		}

		where := evaluationWhere(filter, snapshot)
		var total int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM evaluations`+where.sql(), where.args...).Scan(&total); err != nil {
			return translate("count evaluations", err)
		}

		content := make([]*domain.EvaluationRecord, 0, req.Size)
		if req.Offset() < total {
			q := `SELECT ` + evaluationColumns + ` FROM evaluations` + where.sql() + evaluationOrder +
				` LIMIT ` + where.next(req.Size) + ` OFFSET ` + where.next(req.Offset())
			rows, err := tx.Query(ctx, q, where.args...)
			if err != nil {
				return translate("query evaluations", err)
			}
			defer rows.Close()
			for rows.Next() {
				rec, err := scanEvaluation(rows)
				if err != nil {
					return translate("scan evaluation", err)
				}
				content = append(content, rec)
			}
			if err := rows.Err(); err != nil {
				return translate("query evaluations", err)
			}
		}
		page = domain.NewPage(content, req, total, snapshot)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// UserSummary reads every record of one user
func (s *Store) UserSummary(ctx context.Context, userID string) (*domain.UserSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE user_id = $1`+evaluationOrder, userID)
	if err != nil {
		return nil, translate("user summary", err)
	}
	defer rows.Close()

	var recs []*domain.EvaluationRecord
	for rows.Next() {
		rec, err := scanEvaluation(rows)
		if err != nil {
			return nil, translate("scan evaluation", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("user summary", err)
	}
	return domain.NewUserSummary(userID, recs), nil
}

// Stats counts categories in a single statement, so it reads one snapshot
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE risk_category = 'APPROVED'),
		       count(*) FILTER (WHERE risk_category = 'MONITOR'),
		       count(*) FILTER (WHERE risk_category = 'FLAGGED')
		FROM evaluations
	`).Scan(&st.Total, &st.Approved, &st.Monitor, &st.Flagged)
	if err != nil {
		return domain.Stats{}, translate("stats", err)
	}
	return st, nil
}

// DailyCounts groups by UTC calendar day
func (s *Store) DailyCounts(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error) {
	from, to = domain.DayOf(from), domain.DayOf(to)
	if from.After(to) {
		return nil, domain.InvalidArgument("from %s is after to %s", domain.FormatDate(from), domain.FormatDate(to))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT to_char(event_time AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       count(*) FILTER (WHERE risk_category = 'APPROVED'),
		       count(*) FILTER (WHERE risk_category = 'MONITOR'),
		       count(*) FILTER (WHERE risk_category = 'FLAGGED'),
		       count(*)
		FROM evaluations
		WHERE event_time >= $1 AND event_time < $2
		GROUP BY day
	`, from, to.AddDate(0, 0, 1))
	if err != nil {
		return nil, translate("daily counts", err)
	}
	defer rows.Close()

	counts := make(map[string]*domain.DailyStats)
	for rows.Next() {
		var d domain.DailyStats
		if err := rows.Scan(&d.Date, &d.Approved, &d.Monitor, &d.Flagged, &d.Total); err != nil {
			return nil, translate("scan daily counts", err)
		}
		counts[d.Date] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, translate("daily counts", err)
	}
	return storage.ZeroFillDays(from, to, counts), nil
}

// CountUserSince counts a user's records in a time window
func (s *Store) CountUserSince(ctx context.Context, userID string, since, until time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM evaluations
		WHERE user_id = $1 AND event_time >= $2 AND event_time <= $3
	`, userID, since, until).Scan(&n)
	if err != nil {
		return 0, translate("count user window", err)
	}
	return n, nil
}

// Reset takes exclusive locks on both tables, then deletes and counts
func (s *Store) Reset(ctx context.Context) (domain.ResetResult, error) {
	var res domain.ResetResult
	err := s.inTx(ctx, pgx.TxOptions{}, "reset", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE evaluations, alerts IN ACCESS EXCLUSIVE MODE`); err != nil {
			return translate("lock tables", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM alerts`)
		if err != nil {
			return translate("delete alerts", err)
		}
		res.Alerts = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM evaluations`)
		if err != nil {
			return translate("delete evaluations", err)
		}
		res.Transactions = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return domain.ResetResult{}, err
	}
	return res, nil
}
