package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/storage/memory"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rulesConfig() config.RulesConfig {
	return config.RulesConfig{
		VelocityThreshold:    3,
		VelocityWindow:       5 * time.Minute,
		AmountAnomalyStdDev:  3,
		GeographicWindow:     2 * time.Hour,
		RiskyCategories:      []string{"electronics", "crypto", "gift_cards", "jewelry", "luxury_goods", "prepaid_cards"},
		NewMerchantAmountMul: 2,
	}
}

func scoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		MaxLatency: time.Second,
		Thresholds: domain.DefaultThresholds,
		Weights:    config.WeightsConfig{Rule: 0.5, Statistical: 0.3, ML: 0.2},
		Rules:      rulesConfig(),
		ML:         config.MLConfig{VelocityLookback: 10 * time.Minute},
	}
}

func txn(id string, amount int64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		TransactionID:    id,
		UserID:           "user_001",
		Amount:           decimal.NewFromInt(amount),
		MerchantID:       "merchant_1",
		MerchantCategory: "groceries",
		DeviceID:         "device_1",
		LocationState:    "CA",
		LocationCountry:  "US",
		Timestamp:        ts,
	}
}

// history builds a baseline from five noon purchases around 100
func history() *domain.UserBaseline {
	bl := domain.NewUserBaseline("user_001")
	for i, amount := range []int64{100, 110, 90, 100, 100} {
		bl.Observe(txn("h", amount, noon.Add(time.Duration(i)*time.Minute)), noon)
	}
	return bl
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func ruleNames(rules []domain.TriggeredRule) []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.RuleName)
	}
	return names
}

func sameNames(got []domain.TriggeredRule, want ...string) bool {
	names := ruleNames(got)
	if len(names) != len(want) {
		return false
	}
	for i := range want {
		if names[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRuleEngine(t *testing.T) {
	engine := NewRuleEngine(rulesConfig())
	later := noon.Add(3 * time.Hour)

	tests := []struct {
		name      string
		tx        func() *domain.Transaction
		baseline  func() *domain.UserBaseline
		velocity  int
		wantScore float64
		wantRules []string
	}{
		{
			name:      "first transaction only trips new device",
			tx:        func() *domain.Transaction { return txn("t1", 50, noon) },
			baseline:  func() *domain.UserBaseline { return domain.NewUserBaseline("user_001") },
			wantScore: 10,
			wantRules: []string{RuleNewDevice},
		},
		{
			name:      "familiar transaction trips nothing",
			tx:        func() *domain.Transaction { return txn("t2", 105, later) },
			baseline:  history,
			wantScore: 0,
		},
		{
			name: "large amount at new risky merchant",
			tx: func() *domain.Transaction {
				tx := txn("t3", 1000, later)
				tx.MerchantID = "merchant_2"
				tx.MerchantCategory = "Crypto"
				return tx
			},
			baseline:  history,
			wantScore: 50,
			wantRules: []string{RuleAmountAnomaly, RuleNewMerchantHighAmount, RuleRiskyCategory},
		},
		{
			name:      "velocity at threshold",
			tx:        func() *domain.Transaction { return txn("t4", 100, later) },
			baseline:  history,
			velocity:  3,
			wantScore: 20,
			wantRules: []string{RuleVelocitySpike},
		},
		{
			name: "location change inside window",
			tx: func() *domain.Transaction {
				tx := txn("t5", 100, noon.Add(time.Hour))
				tx.LocationState = "NY"
				return tx
			},
			baseline:  history,
			wantScore: 15,
			wantRules: []string{RuleGeographicAnomaly},
		},
		{
			name: "location change outside window",
			tx: func() *domain.Transaction {
				tx := txn("t6", 100, later)
				tx.LocationCountry = "MX"
				return tx
			},
			baseline:  history,
			wantScore: 0,
		},
		{
			name:      "unusual hour",
			tx:        func() *domain.Transaction { return txn("t7", 100, noon.Add(10*time.Hour)) },
			baseline:  history,
			wantScore: 10,
			wantRules: []string{RuleTimeAnomaly},
		},
		{
			name: "hour close across midnight is not unusual",
			tx: func() *domain.Transaction {
				return txn("t8", 100, time.Date(2024, 3, 2, 23, 0, 0, 0, time.UTC))
			},
			baseline: func() *domain.UserBaseline {
				bl := history()
				h := 4
				bl.MostCommonHour = &h
				return bl
			},
			wantScore: 0,
		},
		{
			name: "every rule clamps at 100",
			tx: func() *domain.Transaction {
				tx := txn("t9", 5000, noon.Add(10*time.Hour))
				tx.MerchantID = "merchant_9"
				tx.MerchantCategory = "jewelry"
				tx.DeviceID = "device_9"
				tx.LocationState = "TX"
				return tx
			},
			baseline: func() *domain.UserBaseline {
				bl := history()
				last := noon.Add(9 * time.Hour)
				bl.LastTransactionTime = &last
				return bl
			},
			velocity:  5,
			wantScore: 100,
			wantRules: []string{
				RuleAmountAnomaly, RuleVelocitySpike, RuleGeographicAnomaly, RuleNewDevice,
				RuleNewMerchantHighAmount, RuleRiskyCategory, RuleTimeAnomaly,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, rules := engine.Evaluate(RuleInput{
				Transaction:   tt.tx(),
				Baseline:      tt.baseline(),
				VelocityCount: tt.velocity,
			})
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
			if !sameNames(rules, tt.wantRules...) {
				t.Errorf("rules = %v, want %v", ruleNames(rules), tt.wantRules)
			}
			for _, r := range rules {
				if r.Points != rulePoints[r.RuleName] || r.Explanation == "" {
					t.Errorf("rule %s has points %v explanation %q", r.RuleName, r.Points, r.Explanation)
				}
			}
		})
	}
}

func TestStatisticalScore(t *testing.T) {
	score, z := StatisticalScore(txn("t", 500, noon), domain.NewUserBaseline("u"))
	if score != 0 || z != nil {
		t.Errorf("no history: score=%v z=%v", score, z)
	}

	bl := domain.NewUserBaseline("u")
	bl.TransactionCount, bl.AvgAmount, bl.StdAmount = 10, 100, 50

	score, z = StatisticalScore(txn("t", 200, noon), bl)
	if z == nil || *z != 2 {
		t.Fatalf("z = %v, want 2", z)
	}
	if want := 50 + 50*(1-math.Exp(-1)); !approx(score, want) {
		t.Errorf("score = %v, want %v", score, want)
	}

	// deviation below the mean scores the same as above it
	below, _ := StatisticalScore(txn("t", 1, noon), bl)
	above, _ := StatisticalScore(txn("t", 199, noon), bl)
	if !approx(below, above) {
		t.Errorf("symmetric deviations scored %v and %v", below, above)
	}
}

func TestAggregator(t *testing.T) {
	agg := NewAggregator(config.WeightsConfig{Rule: 0.5, Statistical: 0.3, ML: 0.2}, domain.DefaultThresholds)

	eval := agg.Aggregate(Components{RuleScore: 40, StatisticalScore: 60})
	if !approx(eval.RiskScore, 47.5) {
		t.Errorf("renormalised score = %v, want 47.5", eval.RiskScore)
	}
	if eval.MLScore != nil {
		t.Errorf("ml score should be absent, got %v", *eval.MLScore)
	}
	if eval.TriggeredRules == nil {
		t.Error("triggered rules should be an empty list, not nil")
	}

	ml := 0.5
	eval = agg.Aggregate(Components{
		RuleScore:        40,
		StatisticalScore: 60,
		MLScore:          &ml,
		VelocityCount:    2,
		TriggeredRules:   []domain.TriggeredRule{{RuleName: RuleNewDevice, Points: 10, Explanation: "x"}},
	})
	if !approx(eval.RiskScore, 48) {
		t.Errorf("weighted score = %v, want 48", eval.RiskScore)
	}
	if eval.MLScore == nil || *eval.MLScore != 50 {
		t.Errorf("ml score should be scaled to 50, got %v", eval.MLScore)
	}
	if eval.VelocityCount != 2 || len(eval.TriggeredRules) != 1 {
		t.Errorf("components not carried: %+v", eval)
	}

	eval = agg.Aggregate(Components{RuleScore: 100, StatisticalScore: 100})
	if !approx(eval.RiskScore, 100) {
		t.Errorf("score = %v, want 100", eval.RiskScore)
	}
}

func TestAggregator_Explanation(t *testing.T) {
	agg := NewAggregator(config.WeightsConfig{Rule: 0.5, Statistical: 0.3, ML: 0.2}, domain.DefaultThresholds)

	eval := agg.Aggregate(Components{RuleScore: 0, StatisticalScore: 0})
	want := "Risk Score: 0.0/100 (APPROVED)\nRule-based signals: 0.0 points\nStatistical deviation: 0.0 points\n\nNo fraud rules triggered"
	if eval.Explanation != want {
		t.Errorf("explanation =\n%q\nwant\n%q", eval.Explanation, want)
	}

	eval = agg.Aggregate(Components{
		RuleScore:        100,
		StatisticalScore: 100,
		TriggeredRules:   []domain.TriggeredRule{{RuleName: "risky_category", Explanation: "Transaction in risky category: crypto"}},
	})
	want = "Risk Score: 100.0/100 (FLAGGED)\nRule-based signals: 100.0 points\nStatistical deviation: 100.0 points\n\n" +
		"Triggered Rules (1):\n  - risky_category: Transaction in risky category: crypto\n"
	if eval.Explanation != want {
		t.Errorf("explanation =\n%q\nwant\n%q", eval.Explanation, want)
	}
}

func TestFallbackScore(t *testing.T) {
	if got := FallbackScore(txn("t", 100, noon), domain.NewUserBaseline("u")); got != 0.5 {
		t.Errorf("no history = %v, want 0.5", got)
	}

	bl := history()
	if got := FallbackScore(txn("t", 100, noon), bl); got >= 0.1 {
		t.Errorf("familiar transaction = %v", got)
	}

	tx := txn("t", 10000, noon)
	tx.DeviceID = "device_new"
	if got := FallbackScore(tx, bl); !approx(got, 0.6) {
		t.Errorf("deviating amount on new device = %v, want 0.6", got)
	}
}

func TestNewFeatures(t *testing.T) {
	bl := history()
	tx := txn("t", 250, noon.Add(time.Hour))
	tx.LocationState = "NV"
	tx.MerchantID = "merchant_2"

	f := NewFeatures(tx, bl, 4)
	if f.Velocity10m != 4 || f.HourOfDay != 13 || f.Amount != 250 {
		t.Errorf("unexpected features %+v", f)
	}
	if f.DistanceFromLastKm != relocatedDistanceKm || f.IsNewDevice != 0 || f.IsNewMerchant != 1 {
		t.Errorf("unexpected novelty features %+v", f)
	}

	f = NewFeatures(txn("t", 1, noon), domain.NewUserBaseline("u"), 0)
	if f.DistanceFromLastKm != 0 || f.IsNewDevice != 1 || f.IsNewMerchant != 1 {
		t.Errorf("empty baseline features %+v", f)
	}
}

func TestMLClient(t *testing.T) {
	var got Features
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"mlScore": 0.73, "modelVersion": "iforest_v2"}`))
	}))
	defer srv.Close()

	client := NewMLClient(config.MLConfig{URL: srv.URL + "/", Timeout: time.Second}, logger.NewNop())
	score, err := client.Score(context.Background(), Features{Amount: 12.5, MerchantCategory: "gas", IsNewDevice: 1})
	if err != nil {
		t.Fatal(err)
	}
	if score != 0.73 {
		t.Errorf("score = %v", score)
	}
	if got.Amount != 12.5 || got.MerchantCategory != "gas" || got.IsNewDevice != 1 {
		t.Errorf("server saw %+v", got)
	}
}

func TestMLClient_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewMLClient(config.MLConfig{
		URL:             srv.URL,
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerOpenFor:  time.Minute,
	}, logger.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := client.Score(context.Background(), Features{}); err == nil {
			t.Fatal("expected error from failing model")
		}
	}
	_, err := client.Score(context.Background(), Features{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("third call err = %v, want open breaker", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, open breaker should short-circuit", hits.Load())
	}
	if client.State() != gobreaker.StateOpen.String() {
		t.Errorf("state = %s", client.State())
	}
}

type stubModel struct {
	score float64
	err   error
}

func (s stubModel) Score(context.Context, Features) (float64, error) {
	return s.score, s.err
}

func newEngine(t *testing.T, model ModelScorer) (*Engine, *memory.Store, *memory.BaselineStore, *observer.ObservedLogs) {
	t.Helper()
	store := memory.New()
	baselines := memory.NewBaselineStore()
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.Wrap(zap.New(core), "test")
	return NewEngine(baselines, store, model, scoringConfig(), log, nil), store, baselines, logs
}

func TestEngine_Evaluate(t *testing.T) {
	engine, _, _, _ := newEngine(t, nil)

	eval, err := engine.Evaluate(context.Background(), txn("t1", 80, noon))
	if err != nil {
		t.Fatal(err)
	}
	// only new_device fires; (0.5/0.8) * 10
	if !approx(eval.RiskScore, 6.25) {
		t.Errorf("risk score = %v, want 6.25", eval.RiskScore)
	}
	if eval.MLScore != nil || eval.ZScore != nil {
		t.Errorf("ml=%v z=%v should be absent", eval.MLScore, eval.ZScore)
	}
	if !sameNames(eval.TriggeredRules, RuleNewDevice) {
		t.Errorf("rules = %v", ruleNames(eval.TriggeredRules))
	}
	if engine.GetEvaluationCount() != 1 {
		t.Errorf("evaluation count = %d", engine.GetEvaluationCount())
	}
}

func TestEngine_ModelFallback(t *testing.T) {
	engine, _, _, logs := newEngine(t, stubModel{err: errors.New("breaker open")})

	eval, err := engine.Evaluate(context.Background(), txn("t1", 80, noon))
	if err != nil {
		t.Fatal(err)
	}
	if eval.MLScore == nil || *eval.MLScore != 50 {
		t.Fatalf("ml score = %v, want fallback 50", eval.MLScore)
	}
	// 0.5*10 + 0.3*0 + 0.2*50
	if !approx(eval.RiskScore, 15) {
		t.Errorf("risk score = %v, want 15", eval.RiskScore)
	}
	if logs.FilterMessage("ml scoring unavailable, using fallback").Len() != 1 {
		t.Error("fallback not logged")
	}
}

// failingBaselines fails every read, after an optional delay
type failingBaselines struct {
	*memory.BaselineStore
	delay time.Duration
}

func (f failingBaselines) Get(context.Context, string) (*domain.UserBaseline, error) {
	time.Sleep(f.delay)
	return nil, errors.New("redis: connection refused")
}

func TestEngine_FailedInputDoesNotCancelSiblings(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i, id := range []string{"p1", "p2", "p3"} {
		tx := txn(id, 80, noon.Add(time.Duration(i)*time.Minute))
		rec := domain.NewEvaluationRecord(*tx, domain.Evaluation{RiskScore: 5}, domain.DefaultThresholds, noon)
		if _, _, err := store.PutEvaluation(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	core, logs := observer.New(zapcore.DebugLevel)
	m := metrics.New("test")
	engine := NewEngine(failingBaselines{BaselineStore: memory.NewBaselineStore()}, store,
		stubModel{err: errors.New("down")}, scoringConfig(), logger.Wrap(zap.New(core), "test"), m)

	eval, err := engine.Evaluate(ctx, txn("t", 80, noon.Add(4*time.Minute)))
	if err != nil {
		t.Fatalf("failed baseline should degrade, got %v", err)
	}
	if eval.VelocityCount != 3 {
		t.Errorf("velocity = %d, want 3 despite the failed baseline", eval.VelocityCount)
	}
	if logs.FilterMessage("scoring with degraded inputs").Len() != 1 {
		t.Error("degraded inputs not logged")
	}
	if got := testutil.ToFloat64(m.InputFailuresTotal.WithLabelValues("baseline")); got != 1 {
		t.Errorf("baseline failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InputFailuresTotal.WithLabelValues("velocity")); got != 0 {
		t.Errorf("velocity failures = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.MLFallbacksTotal); got != 1 {
		t.Errorf("ml fallbacks = %v, want 1", got)
	}
	if engine.GetEvaluationCount() != 1 {
		t.Errorf("evaluation count = %d", engine.GetEvaluationCount())
	}
}

func TestEngine_ModelScore(t *testing.T) {
	engine, _, _, _ := newEngine(t, stubModel{score: 1})

	eval, err := engine.Evaluate(context.Background(), txn("t1", 80, noon))
	if err != nil {
		t.Fatal(err)
	}
	if !approx(eval.RiskScore, 25) {
		t.Errorf("risk score = %v, want 25", eval.RiskScore)
	}
}

func TestEngine_VelocityFromStore(t *testing.T) {
	engine, store, _, _ := newEngine(t, nil)
	ctx := context.Background()

	for i, id := range []string{"p1", "p2", "p3"} {
		tx := txn(id, 80, noon.Add(time.Duration(i)*time.Minute))
		rec := domain.NewEvaluationRecord(*tx, domain.Evaluation{RiskScore: 5}, domain.DefaultThresholds, noon)
		if _, _, err := store.PutEvaluation(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	eval, err := engine.Evaluate(ctx, txn("t", 80, noon.Add(4*time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if eval.VelocityCount != 3 {
		t.Errorf("velocity = %d, want 3", eval.VelocityCount)
	}
	if !sameNames(eval.TriggeredRules, RuleVelocitySpike, RuleNewDevice) {
		t.Errorf("rules = %v", ruleNames(eval.TriggeredRules))
	}
}

func TestEngine_ObserveBuildsBaseline(t *testing.T) {
	engine, _, baselines, _ := newEngine(t, nil)
	ctx := context.Background()

	for i, amount := range []int64{100, 110, 90} {
		if err := engine.Observe(ctx, txn("o", amount, noon.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	bl, err := baselines.Get(ctx, "user_001")
	if err != nil {
		t.Fatal(err)
	}
	if bl.TransactionCount != 3 || !approx(bl.AvgAmount, 100) || !bl.KnowsDevice("device_1") {
		t.Errorf("unexpected baseline %+v", bl)
	}

	// a known device no longer trips the rule
	eval, err := engine.Evaluate(ctx, txn("t", 100, noon.Add(4*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if len(eval.TriggeredRules) != 0 {
		t.Errorf("rules = %v", ruleNames(eval.TriggeredRules))
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	engine, _, _, _ := newEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Evaluate(ctx, txn("t", 1, noon)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEngine_CancelledWhileFetching(t *testing.T) {
	engine := NewEngine(failingBaselines{BaselineStore: memory.NewBaselineStore(), delay: 20 * time.Millisecond},
		memory.New(), nil, scoringConfig(), logger.NewNop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := engine.Evaluate(ctx, txn("t", 1, noon)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if engine.GetEvaluationCount() != 0 {
		t.Errorf("cancelled evaluation was counted")
	}
}
