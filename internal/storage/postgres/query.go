package postgres

import (
	"fmt"
	"strings"

	"github.com/banking/fraud-service/internal/domain"
)

// whereBuilder accumulates AND-ed predicates with positional arguments
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// next returns the placeholder for one more argument
func (w *whereBuilder) next(arg any) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// prefixPattern turns a literal prefix into a LIKE pattern
func prefixPattern(prefix string) string {
	return strings.ToLower(likeEscaper.Replace(prefix)) + "%"
}

// evaluationWhere builds the predicate for an evaluation listing pinned to snapshot
func evaluationWhere(f domain.EvaluationFilter, snapshot int64) *whereBuilder {
	w := &whereBuilder{}
	w.add("seq <= $%d", snapshot)
	if f.RiskCategory != "" {
		w.add("risk_category = $%d", string(f.RiskCategory))
	}
	if f.TransactionID != "" {
		w.add(`lower(transaction_id) LIKE $%d ESCAPE '\'`, prefixPattern(f.TransactionID))
	}
	if f.UserID != "" {
		w.add(`lower(user_id) LIKE $%d ESCAPE '\'`, prefixPattern(f.UserID))
	}
	if f.MerchantID != "" {
		w.add(`lower(merchant_id) LIKE $%d ESCAPE '\'`, prefixPattern(f.MerchantID))
	}
	if f.StartDate != nil {
		w.add("event_time >= $%d", domain.DayOf(*f.StartDate))
	}
	if f.EndDate != nil {
		// inclusive calendar day, so compare against the following midnight
		w.add("event_time < $%d", domain.DayOf(*f.EndDate).AddDate(0, 0, 1))
	}
	return w
}

// alertWhere builds the predicate for an alert listing pinned to snapshot
func alertWhere(f domain.AlertFilter, snapshot int64) *whereBuilder {
	w := &whereBuilder{}
	w.add("id <= $%d", snapshot)
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	return w
}

const evaluationColumns = `transaction_id, seq, user_id, amount, merchant_id, merchant_category,
	device_id, location_state, location_country, channel, event_time, risk_score, risk_category,
	rule_score, statistical_score, ml_score, z_score, velocity_count, triggered_rules, explanation,
	alert_created, evaluated_at`

const evaluationOrder = ` ORDER BY event_time DESC, transaction_id COLLATE "C" ASC`

const alertColumns = `id, transaction_id, user_id, risk_score, status, analyst_notes, created_at, updated_at`

// qualifiedAlertColumns is alertColumns for statements that alias alerts as a
const qualifiedAlertColumns = `a.id, a.transaction_id, a.user_id, a.risk_score, a.status, a.analyst_notes, a.created_at, a.updated_at`

const alertOrder = ` ORDER BY created_at DESC, id ASC`
