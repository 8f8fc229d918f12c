package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/banking/fraud-service/internal/domain"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id, user string, ts time.Time, score float64) *domain.EvaluationRecord {
	tx := domain.Transaction{
		TransactionID:    id,
		UserID:           user,
		Amount:           decimal.NewFromInt(100),
		MerchantID:       "merchant_1",
		MerchantCategory: "grocery",
		DeviceID:         "device_1",
		LocationState:    "CA",
		LocationCountry:  "US",
		Timestamp:        ts,
	}
	return domain.NewEvaluationRecord(tx, domain.Evaluation{RiskScore: score}, domain.DefaultThresholds, ts)
}

func mustPut(t *testing.T, s *Store, rec *domain.EvaluationRecord) (*domain.EvaluationRecord, *domain.Alert) {
	t.Helper()
	stored, alert, err := s.PutEvaluation(context.Background(), rec)
	if err != nil {
		t.Fatalf("PutEvaluation(%s): %v", rec.TransactionID, err)
	}
	return stored, alert
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPutEvaluation_CreatesAlertOnlyWhenFlagged(t *testing.T) {
	s := New()

	_, alert := mustPut(t, s, record("txn_low", "u1", base, 10))
	if alert != nil {
		t.Errorf("approved record should not create an alert")
	}
	stored, alert := mustPut(t, s, record("txn_high", "u1", base, 92))
	if alert == nil {
		t.Fatal("flagged record should create an alert")
	}
	if !stored.AlertCreated || alert.TransactionID != "txn_high" || alert.Status != domain.AlertStatusNew {
		t.Errorf("unexpected record/alert: %+v / %+v", stored, alert)
	}
	if alert.RiskScore != 92 || alert.AnalystNotes != nil {
		t.Errorf("unexpected alert fields: %+v", alert)
	}
}

func TestPutEvaluation_DuplicateLeavesStateUnchanged(t *testing.T) {
	s := New()
	mustPut(t, s, record("txn_1", "u1", base, 95))

	before, _ := s.Stats(context.Background())
	_, _, err := s.PutEvaluation(context.Background(), record("txn_1", "u2", base.Add(time.Hour), 10))
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	after, _ := s.Stats(context.Background())
	if before != after {
		t.Errorf("stats changed after rejected replay: %+v -> %+v", before, after)
	}
	got, _ := s.GetEvaluation(context.Background(), "txn_1")
	if got.UserID != "u1" {
		t.Errorf("original record overwritten: %+v", got)
	}
	page, _ := s.QueryAlerts(context.Background(), domain.AlertFilter{}, domain.PageRequest{Size: 10})
	if page.TotalElements != 1 {
		t.Errorf("alerts = %d, want 1", page.TotalElements)
	}
}

func TestPutEvaluation_CancelledContextWritesNothing(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := s.PutEvaluation(ctx, record("txn_1", "u1", base, 95)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := s.GetEvaluation(context.Background(), "txn_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("record visible after cancelled put: %v", err)
	}
}

func TestGetEvaluation_NotFound(t *testing.T) {
	if _, err := New().GetEvaluation(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryEvaluations_OrderAndFilters(t *testing.T) {
	s := New()
	mustPut(t, s, record("txn_b", "alice", base, 10))
	mustPut(t, s, record("txn_a", "alice", base, 60))
	mustPut(t, s, record("txn_c", "bob", base.Add(time.Hour), 90))
	mustPut(t, s, record("txn_d", "bob", base.AddDate(0, 0, -2), 20))

	page, err := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{}, domain.PageRequest{Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range page.Content {
		ids = append(ids, r.TransactionID)
	}
	if want := "[txn_c txn_a txn_b txn_d]"; fmt.Sprint(ids) != want {
		t.Errorf("order = %v, want %s", ids, want)
	}

	tests := []struct {
		name   string
		filter domain.EvaluationFilter
		want   int64
	}{
		{"category", domain.EvaluationFilter{RiskCategory: domain.CategoryApproved}, 2},
		{"user prefix", domain.EvaluationFilter{UserID: "AL"}, 2},
		{"user and category", domain.EvaluationFilter{UserID: "bob", RiskCategory: domain.CategoryFlagged}, 1},
		{"date range", domain.EvaluationFilter{StartDate: ptr(domain.DayOf(base)), EndDate: ptr(domain.DayOf(base))}, 3},
		{"no match", domain.EvaluationFilter{MerchantID: "zzz"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := s.QueryEvaluations(context.Background(), tt.filter, domain.PageRequest{Size: 10})
			if err != nil {
				t.Fatal(err)
			}
			if p.TotalElements != tt.want || int64(len(p.Content)) != tt.want {
				t.Errorf("got %d/%d, want %d", p.TotalElements, len(p.Content), tt.want)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestQueryEvaluations_InvalidPaging(t *testing.T) {
	s := New()
	for _, req := range []domain.PageRequest{{Page: -1, Size: 10}, {Page: 0, Size: 0}} {
		if _, err := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{}, req); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("%+v: expected ErrInvalidArgument, got %v", req, err)
		}
	}
}

func TestQueryEvaluations_PageBeyondEndIsEmpty(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		mustPut(t, s, record(fmt.Sprintf("txn_%d", i), "u", base, 10))
	}
	p, err := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{}, domain.PageRequest{Page: 9, Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Content) != 0 || p.TotalElements != 5 || p.TotalPages != 3 || p.HasNext || !p.HasPrevious {
		t.Errorf("unexpected envelope: %+v", p)
	}
}

func TestQueryEvaluations_SnapshotIsStableUnderInserts(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		mustPut(t, s, record(fmt.Sprintf("txn_%02d", i), "u", base.Add(time.Duration(i)*time.Minute), 10))
	}

	req := domain.PageRequest{Page: 0, Size: 10}
	first, err := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{}, req)
	if err != nil {
		t.Fatal(err)
	}

	// Newer rows land at the head of the ordering between page fetches
	for i := 0; i < 5; i++ {
		mustPut(t, s, record(fmt.Sprintf("txn_new_%d", i), "u", base.Add(time.Hour), 10))
	}

	req.Page, req.Snapshot = 1, first.Snapshot
	second, err := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{}, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.TotalElements != 20 {
		t.Errorf("snapshot total = %d, want 20", second.TotalElements)
	}

	seen := map[string]bool{}
	for _, r := range append(first.Content, second.Content...) {
		if seen[r.TransactionID] {
			t.Fatalf("record %s returned twice", r.TransactionID)
		}
		seen[r.TransactionID] = true
	}
	if len(seen) != 20 {
		t.Errorf("saw %d distinct records, want 20", len(seen))
	}
}

func TestQueryEvaluations_CategoryTotalsMatchScan(t *testing.T) {
	s := New()
	scores := []float64{10, 55, 85, 20, 90, 65, 15, 99, 30}
	for i, score := range scores {
		mustPut(t, s, record(fmt.Sprintf("txn_%d", i), "u", base.Add(time.Duration(i)*time.Minute), score))
	}
	want := map[domain.RiskCategory]int64{"": 9, domain.CategoryApproved: 4, domain.CategoryMonitor: 2, domain.CategoryFlagged: 3}

	for cat, n := range want {
		filter := domain.EvaluationFilter{RiskCategory: cat}
		seen := 0
		for page := 0; ; page++ {
			p, err := s.QueryEvaluations(context.Background(), filter, domain.PageRequest{Page: page, Size: 2})
			if err != nil {
				t.Fatal(err)
			}
			if p.TotalElements != n {
				t.Fatalf("%q page %d: total = %d, want %d", cat, page, p.TotalElements, n)
			}
			for _, r := range p.Content {
				if cat != "" && r.RiskCategory != cat {
					t.Errorf("%q: got %s record", cat, r.RiskCategory)
				}
			}
			seen += len(p.Content)
			if !p.HasNext {
				break
			}
		}
		if int64(seen) != n {
			t.Errorf("%q: paged %d records, want %d", cat, seen, n)
		}
	}

	// an older snapshot is counted by scanning and must agree
	mustPut(t, s, record("txn_late", "u", base.Add(time.Hour), 50))
	for cat, n := range want {
		pinned, err := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{RiskCategory: cat}, domain.PageRequest{Size: 20, Snapshot: 9})
		if err != nil {
			t.Fatal(err)
		}
		if pinned.TotalElements != n || int64(len(pinned.Content)) != n {
			t.Errorf("%q pinned: %d/%d, want %d", cat, pinned.TotalElements, len(pinned.Content), n)
		}
	}

	if _, err := s.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, _ := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{RiskCategory: domain.CategoryFlagged}, domain.PageRequest{Size: 5})
	if p.TotalElements != 0 || len(p.Content) != 0 {
		t.Errorf("after reset: %+v", p)
	}
}

func TestStats_ConsistentUnderConcurrentPuts(t *testing.T) {
	s := New()
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(readerErr)
				return
			default:
			}
			st, _ := s.Stats(context.Background())
			if st.Total != st.Approved+st.Monitor+st.Flagged {
				readerErr <- fmt.Errorf("inconsistent stats %+v", st)
				return
			}
			p, _ := s.QueryAlerts(context.Background(), domain.AlertFilter{}, domain.PageRequest{Size: 1})
			if p.TotalElements > st.Flagged+int64(writers) {
				readerErr <- fmt.Errorf("alerts %d ahead of flagged %d", p.TotalElements, st.Flagged)
				return
			}
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				score := float64((w*perWriter + i) % 100)
				rec := record(fmt.Sprintf("txn_%d_%d", w, i), fmt.Sprintf("u%d", w), base.Add(time.Duration(i)*time.Second), score)
				if _, _, err := s.PutEvaluation(context.Background(), rec); err != nil {
					t.Errorf("put: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	if err, ok := <-readerErr; ok && err != nil {
		t.Fatal(err)
	}

	st, _ := s.Stats(context.Background())
	if st.Total != writers*perWriter {
		t.Errorf("total = %d, want %d", st.Total, writers*perWriter)
	}
	alerts, _ := s.QueryAlerts(context.Background(), domain.AlertFilter{}, domain.PageRequest{Size: 1})
	if alerts.TotalElements != st.Flagged {
		t.Errorf("alerts = %d, flagged = %d", alerts.TotalElements, st.Flagged)
	}
}

func TestUpdateAlertStatus(t *testing.T) {
	now := base
	s := New(WithClock(func() time.Time { return now }))
	_, alert := mustPut(t, s, record("txn_1", "u1", base, 95))

	now = base.Add(time.Minute)
	notes := "ok"
	updated, prev, err := s.UpdateAlertStatus(context.Background(), alert.ID, domain.StatusUpdate{Status: domain.AlertStatusResolved, AnalystNotes: &notes})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.AlertStatusResolved || *updated.AnalystNotes != "ok" || !updated.UpdatedAt.After(alert.UpdatedAt) {
		t.Errorf("unexpected update: %+v", updated)
	}
	if prev != domain.AlertStatusNew {
		t.Errorf("previous = %s, want NEW", prev)
	}

	// Reopening a resolved alert is allowed
	reopened, prev, err := s.UpdateAlertStatus(context.Background(), alert.ID, domain.StatusUpdate{Status: domain.AlertStatusNew})
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != domain.AlertStatusNew || *reopened.AnalystNotes != "ok" || !reopened.UpdatedAt.After(updated.UpdatedAt) {
		t.Errorf("unexpected reopen: %+v", reopened)
	}
	if prev != domain.AlertStatusResolved {
		t.Errorf("previous = %s, want RESOLVED", prev)
	}

	if _, _, err := s.UpdateAlertStatus(context.Background(), 999, domain.StatusUpdate{Status: domain.AlertStatusResolved}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.UpdateAlertStatus(context.Background(), alert.ID, domain.StatusUpdate{Status: "ESCALATED"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	got, _ := s.GetAlert(context.Background(), alert.ID)
	if !got.UpdatedAt.Equal(reopened.UpdatedAt) || got.Status != domain.AlertStatusNew {
		t.Errorf("failed update mutated alert: %+v", got)
	}
}

func TestUpdateAlertStatus_ConcurrentPreviousStatusChain(t *testing.T) {
	s := New()
	_, alert := mustPut(t, s, record("txn_1", "u1", base, 95))

	statuses := []domain.AlertStatus{
		domain.AlertStatusInvestigating,
		domain.AlertStatusResolved,
		domain.AlertStatusFalsePositive,
		domain.AlertStatusNew,
	}
	const updates = 200

	type step struct{ prev, next domain.AlertStatus }
	steps := make(chan step, updates)
	var wg sync.WaitGroup
	for i := 0; i < updates; i++ {
		wg.Add(1)
		go func(next domain.AlertStatus) {
			defer wg.Done()
			updated, prev, err := s.UpdateAlertStatus(context.Background(), alert.ID, domain.StatusUpdate{Status: next})
			if err != nil {
				t.Error(err)
				return
			}
			steps <- step{prev, updated.Status}
		}(statuses[i%len(statuses)])
	}
	wg.Wait()
	close(steps)

	// Every update replaced exactly the status some other update (or the
	// initial NEW) left behind: the steps form one chain.
	out := make(map[domain.AlertStatus]int)
	in := make(map[domain.AlertStatus]int)
	for st := range steps {
		out[st.prev]++
		in[st.next]++
	}
	in[domain.AlertStatusNew]++ // initial state

	final, _ := s.GetAlert(context.Background(), alert.ID)
	out[final.Status]++ // left behind at the end
	for _, st := range statuses {
		if in[st] != out[st] {
			t.Errorf("%s: produced %d times, replaced %d times", st, in[st], out[st])
		}
	}
}

func TestCreateAlert_Idempotent(t *testing.T) {
	s := New()
	_, alert := mustPut(t, s, record("txn_1", "u1", base, 95))
	mustPut(t, s, record("txn_2", "u1", base, 15))

	again, created, err := s.CreateAlert(context.Background(), "txn_1")
	if err != nil || created || again.ID != alert.ID {
		t.Errorf("second create = %+v, %v, %v", again, created, err)
	}
	if _, _, err := s.CreateAlert(context.Background(), "txn_2"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for non-flagged, got %v", err)
	}
	if _, _, err := s.CreateAlert(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryAlerts_OrderStatusAndList(t *testing.T) {
	s := New(WithClock(fixedClock(base)))
	for i := 0; i < 4; i++ {
		mustPut(t, s, record(fmt.Sprintf("txn_%d", i), "u1", base, 90))
	}
	if _, _, err := s.UpdateAlertStatus(context.Background(), 2, domain.StatusUpdate{Status: domain.AlertStatusInvestigating}); err != nil {
		t.Fatal(err)
	}

	// Same createdAt for all: id ascending breaks the tie
	page, _ := s.QueryAlerts(context.Background(), domain.AlertFilter{}, domain.PageRequest{Size: 10})
	for i, a := range page.Content {
		if a.ID != int64(i+1) {
			t.Errorf("position %d has id %d", i, a.ID)
		}
	}

	newOnly, _ := s.QueryAlerts(context.Background(), domain.AlertFilter{Status: domain.AlertStatusNew}, domain.PageRequest{Size: 10})
	if newOnly.TotalElements != 3 {
		t.Errorf("NEW alerts = %d, want 3", newOnly.TotalElements)
	}

	list, err := s.ListAlerts(context.Background(), domain.AlertFilter{Status: domain.AlertStatusNew}, 2)
	if err != nil || len(list) != 2 {
		t.Errorf("ListAlerts = %d, %v", len(list), err)
	}
}

func TestReset_ClearsEverythingAndCounts(t *testing.T) {
	s := New()
	mustPut(t, s, record("txn_1", "u1", base, 95))
	mustPut(t, s, record("txn_2", "u1", base, 55))
	mustPut(t, s, record("txn_3", "u2", base, 10))

	res, err := s.Reset(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Transactions != 3 || res.Alerts != 1 {
		t.Errorf("reset counts = %+v", res)
	}

	st, _ := s.Stats(context.Background())
	if st != (domain.Stats{}) {
		t.Errorf("stats after reset = %+v", st)
	}
	p, _ := s.QueryEvaluations(context.Background(), domain.EvaluationFilter{}, domain.PageRequest{Size: 10})
	a, _ := s.QueryAlerts(context.Background(), domain.AlertFilter{}, domain.PageRequest{Size: 10})
	if p.TotalElements != 0 || a.TotalElements != 0 {
		t.Errorf("rows survive reset: %d evaluations, %d alerts", p.TotalElements, a.TotalElements)
	}

	// The same id can be evaluated again after a reset
	mustPut(t, s, record("txn_1", "u1", base, 95))
}

func TestDailyCountsAndVelocity(t *testing.T) {
	s := New()
	mustPut(t, s, record("a", "u1", base, 10))
	mustPut(t, s, record("b", "u1", base.Add(-time.Minute), 60))
	mustPut(t, s, record("c", "u1", base.AddDate(0, 0, -2), 90))

	days, err := s.DailyCounts(context.Background(), base.AddDate(0, 0, -3), base)
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 4 {
		t.Fatalf("days = %d, want 4", len(days))
	}
	if days[0].Total != 0 || days[1].Flagged != 1 || days[3].Total != 2 || days[3].Monitor != 1 {
		t.Errorf("unexpected series: %+v", days)
	}
	if days[3].Date != "2024-03-01" {
		t.Errorf("last date = %s", days[3].Date)
	}

	n, _ := s.CountUserSince(context.Background(), "u1", base.Add(-10*time.Minute), base)
	if n != 2 {
		t.Errorf("velocity = %d, want 2", n)
	}
}

func TestUserSummary(t *testing.T) {
	s := New()
	mustPut(t, s, record("a", "u1", base, 10))
	mustPut(t, s, record("b", "u1", base.Add(time.Minute), 95))
	mustPut(t, s, record("c", "u2", base, 95))

	sum, err := s.UserSummary(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Transactions) != 2 || sum.Transactions[0].TransactionID != "b" {
		t.Errorf("unexpected transactions: %+v", sum.Transactions)
	}
	if sum.Stats.Total != 2 || sum.Stats.Flagged != 1 || !sum.Stats.AvgAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected stats: %+v", sum.Stats)
	}
}

func TestBaselineStore(t *testing.T) {
	b := NewBaselineStore()
	ctx := context.Background()

	bl, err := b.Get(ctx, "u1")
	if err != nil || bl.HasHistory() {
		t.Fatalf("fresh baseline = %+v, %v", bl, err)
	}

	tx := record("a", "u1", base, 10).Transaction
	if err := b.Update(ctx, "u1", func(bl *domain.UserBaseline) error {
		bl.Observe(&tx, base)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	if err := b.Update(ctx, "u1", func(bl *domain.UserBaseline) error {
		bl.Observe(&tx, base)
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	bl, _ = b.Get(ctx, "u1")
	if bl.TransactionCount != 1 {
		t.Errorf("count = %d, failed update must not apply", bl.TransactionCount)
	}

	n, _ := b.Reset(ctx)
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}
}
