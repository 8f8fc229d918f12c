package service

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/banking/fraud-service/internal/domain"
)

var (
	seedUsers = []string{
		"user_001", "user_002", "user_003", "user_004", "user_005",
		"user_006", "user_007", "user_008", "user_009", "user_010",
	}
	seedCategories      = []string{"groceries", "restaurant", "gas", "retail", "electronics", "crypto", "gift_cards", "jewelry", "hotel", "travel"}
	seedSafeCategories  = []string{"groceries", "restaurant", "gas", "retail", "hotel", "travel"}
	seedRiskyCategories = []string{"crypto", "gift_cards", "jewelry"}
	seedStates          = []string{"CA", "NY", "TX", "FL", "IL", "PA", "OH", "GA", "NC", "MI"}
	seedChannels        = []string{"ONLINE", "POS", "ATM", "MOBILE"}
)

// Generator produces synthetic transactions: roughly 70% ordinary, 20%
// moderately unusual and 10% high risk, spread over the last spreadDays days.
// It is not safe for concurrent use.
type Generator struct {
	rng        *rand.Rand
	now        time.Time
	spreadDays int
	batch      string
}

// NewGenerator creates a generator anchored at now
func NewGenerator(now time.Time, spreadDays int) *Generator {
	return NewGeneratorWithSource(now, spreadDays, rand.NewPCG(uint64(now.UnixNano()), rand.Uint64()))
}

// NewGeneratorWithSource creates a generator with a fixed random source
func NewGeneratorWithSource(now time.Time, spreadDays int, src rand.Source) *Generator {
	if spreadDays < 1 {
		spreadDays = 30
	}
	return &Generator{
		rng:        rand.New(src),
		now:        now.UTC(),
		spreadDays: spreadDays,
		batch:      uuid.NewString()[:8],
	}
}

// Next returns the index-th transaction of the batch
func (g *Generator) Next(index int) *domain.Transaction {
	r := g.rng
	userID := seedUsers[r.IntN(len(seedUsers))]
	knownDevice := "device_known_" + userID[len("user_"):]

	tx := &domain.Transaction{
		TransactionID:   fmt.Sprintf("txn_seed_%d_%s_%d", g.now.UnixMilli(), g.batch, index),
		UserID:          userID,
		MerchantID:      fmt.Sprintf("merchant_%d", r.IntN(100)),
		DeviceID:        knownDevice,
		LocationCountry: "US",
		Channel:         seedChannels[r.IntN(len(seedChannels))],
		Timestamp: g.now.
			AddDate(0, 0, -r.IntN(g.spreadDays)).
			Add(-time.Duration(r.IntN(24)) * time.Hour).
			Add(-time.Duration(r.IntN(60)) * time.Minute),
	}

	switch kind := r.Float64(); {
	case kind > 0.9:
		tx.Amount = amount(5000 + r.Float64()*50000)
		tx.MerchantCategory = seedRiskyCategories[r.IntN(len(seedRiskyCategories))]
		if r.IntN(2) == 0 {
			tx.DeviceID = fmt.Sprintf("device_new_%d", r.IntN(100))
		}
		tx.LocationState = seedStates[r.IntN(len(seedStates))]
	case kind > 0.7:
		tx.Amount = amount(200 + r.Float64()*3000)
		tx.MerchantCategory = seedCategories[r.IntN(len(seedCategories))]
		tx.LocationState = "CA"
		if r.IntN(2) == 0 {
			tx.LocationState = seedStates[r.IntN(len(seedStates))]
		}
	default:
		tx.Amount = amount(10 + r.Float64()*200)
		tx.MerchantCategory = seedSafeCategories[r.IntN(len(seedSafeCategories))]
		tx.LocationState = "CA"
	}
	return tx
}

func amount(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
