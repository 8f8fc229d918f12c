package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/pkg/logger"
)

// distance reported to the model when the location changed
const relocatedDistanceKm = 1000.0

// Features is the request body of the model's /score endpoint
type Features struct {
	Amount             float64 `json:"amount"`
	HourOfDay          int     `json:"hourOfDay"`
	Velocity10m        int     `json:"velocity10m"`
	DistanceFromLastKm float64 `json:"distanceFromLastKm"`
	IsNewDevice        int     `json:"isNewDevice"`
	IsNewMerchant      int     `json:"isNewMerchant"`
	MerchantCategory   string  `json:"merchantCategory"`
}

// NewFeatures derives model features from a transaction and its baseline
func NewFeatures(tx *domain.Transaction, bl *domain.UserBaseline, recent int) Features {
	f := Features{
		Amount:           tx.AmountFloat(),
		HourOfDay:        tx.Hour(),
		Velocity10m:      recent,
		MerchantCategory: tx.MerchantCategory,
	}
	if bl.LastTransactionState != "" &&
		(tx.LocationState != bl.LastTransactionState || tx.LocationCountry != bl.LastTransactionCountry) {
		f.DistanceFromLastKm = relocatedDistanceKm
	}
	if !bl.KnowsDevice(tx.DeviceID) {
		f.IsNewDevice = 1
	}
	if !bl.KnowsMerchant(tx.MerchantID) {
		f.IsNewMerchant = 1
	}
	return f
}

type scoreResponse struct {
	MLScore      *float64 `json:"mlScore"`
	ModelVersion string   `json:"modelVersion"`
}

// MLClient calls the anomaly model over HTTP behind a circuit breaker
type MLClient struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewMLClient creates a client for cfg.URL
func NewMLClient(cfg config.MLConfig, log *logger.Logger) *MLClient {
	log = log.Named("ml_client")
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ml-scoring",
		MaxRequests: cfg.BreakerHalfOpen,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &MLClient{
		url:     strings.TrimRight(cfg.URL, "/") + "/score",
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// Score returns the model's anomaly score in 0-1
func (c *MLClient) Score(ctx context.Context, f Features) (float64, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, f)
	})
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

// State exposes the breaker state for health reporting
func (c *MLClient) State() string {
	return c.breaker.State().String()
}

func (c *MLClient) call(ctx context.Context, f Features) (float64, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("ml service returned %s", resp.Status)
	}

	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("decode ml response: %w", err)
	}
	if sr.MLScore == nil || math.IsNaN(*sr.MLScore) {
		return 0, fmt.Errorf("ml response has no score")
	}
	return math.Max(0, math.Min(1, *sr.MLScore)), nil
}

// FallbackScore is the heuristic used when the model cannot answer:
// 0.5 for a user without history, otherwise up to 0.4 for amount deviation
// plus 0.2 for an unknown device
func FallbackScore(tx *domain.Transaction, bl *domain.UserBaseline) float64 {
	if !bl.HasHistory() {
		return 0.5
	}
	var score float64
	if z, ok := bl.ZScore(tx.AmountFloat()); ok {
		score += math.Min(0.4, math.Abs(z)/10)
	}
	if !bl.KnowsDevice(tx.DeviceID) {
		score += 0.2
	}
	return math.Min(1, score)
}
