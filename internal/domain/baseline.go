package domain

import (
	"maps"
	"math"
	"time"
)

// UserBaseline is a user's behavioural profile, built from persisted
// evaluations and consulted by the evaluator
type UserBaseline struct {
	UserID           string  `json:"userId"`
	TransactionCount int     `json:"transactionCount"`
	AvgAmount        float64 `json:"avgAmount"`
	StdAmount        float64 `json:"stdAmount"`
	MinAmount        float64 `json:"minAmount"`
	MaxAmount        float64 `json:"maxAmount"`

	// Behaviour histograms
	HourDistribution   map[int]int    `json:"hourDistribution"`
	MostCommonHour     *int           `json:"mostCommonHour,omitempty"`
	MerchantCategories map[string]int `json:"merchantCategories"`
	LocationStates     map[string]int `json:"locationStates"`
	LocationCountries  map[string]int `json:"locationCountries"`

	KnownMerchants map[string]bool `json:"knownMerchants"`
	KnownDevices   map[string]bool `json:"knownDevices"`

	// Last seen
	LastTransactionTime    *time.Time `json:"lastTransactionTime,omitempty"`
	LastTransactionState   string     `json:"lastTransactionState,omitempty"`
	LastTransactionCountry string     `json:"lastTransactionCountry,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewUserBaseline returns an empty profile for a user with no history
func NewUserBaseline(userID string) *UserBaseline {
	return &UserBaseline{
		UserID:             userID,
		HourDistribution:   map[int]int{},
		MerchantCategories: map[string]int{},
		LocationStates:     map[string]int{},
		LocationCountries:  map[string]int{},
		KnownMerchants:     map[string]bool{},
		KnownDevices:       map[string]bool{},
	}
}

// HasHistory returns true once the user has at least one persisted evaluation
func (b *UserBaseline) HasHistory() bool {
	return b.TransactionCount > 0
}

// ZScore returns how many standard deviations amount is from the mean.
// ok is false when the baseline cannot support a comparison.
func (b *UserBaseline) ZScore(amount float64) (z float64, ok bool) {
	if !b.HasHistory() || b.StdAmount <= 0 {
		return 0, false
	}
	return (amount - b.AvgAmount) / b.StdAmount, true
}

// KnowsDevice returns true if the device was seen before
func (b *UserBaseline) KnowsDevice(deviceID string) bool {
	return b.KnownDevices[deviceID]
}

// KnowsMerchant returns true if the merchant was seen before
func (b *UserBaseline) KnowsMerchant(merchantID string) bool {
	return b.KnownMerchants[merchantID]
}

// Observe folds a transaction into the profile using Welford's update
// for the running mean and sample deviation
func (b *UserBaseline) Observe(tx *Transaction, now time.Time) {
	b.ensureMaps()
	amount := tx.AmountFloat()
	n := b.TransactionCount + 1

	if n == 1 {
		b.AvgAmount = amount
		b.StdAmount = 0
		b.MinAmount = amount
		b.MaxAmount = amount
	} else {
		oldAvg := b.AvgAmount
		newAvg := oldAvg + (amount-oldAvg)/float64(n)
		variance := (b.StdAmount*b.StdAmount*float64(n-2) + (amount-oldAvg)*(amount-newAvg)) / float64(n-1)
		b.AvgAmount = newAvg
		b.StdAmount = math.Sqrt(math.Max(variance, 0))
		b.MinAmount = math.Min(b.MinAmount, amount)
		b.MaxAmount = math.Max(b.MaxAmount, amount)
	}

	hour := tx.Hour()
	b.HourDistribution[hour]++
	b.MostCommonHour = mostCommonHour(b.HourDistribution)

	b.MerchantCategories[tx.MerchantCategory]++
	b.LocationStates[tx.LocationState]++
	b.LocationCountries[tx.LocationCountry]++
	b.KnownMerchants[tx.MerchantID] = true
	b.KnownDevices[tx.DeviceID] = true

	ts := tx.Timestamp.UTC()
	b.LastTransactionTime = &ts
	b.LastTransactionState = tx.LocationState
	b.LastTransactionCountry = tx.LocationCountry

	b.TransactionCount = n
	b.UpdatedAt = now.UTC()
}

func (b *UserBaseline) ensureMaps() {
	if b.HourDistribution == nil {
		b.HourDistribution = map[int]int{}
	}
	if b.MerchantCategories == nil {
		b.MerchantCategories = map[string]int{}
	}
	if b.LocationStates == nil {
		b.LocationStates = map[string]int{}
	}
	if b.LocationCountries == nil {
		b.LocationCountries = map[string]int{}
	}
	if b.KnownMerchants == nil {
		b.KnownMerchants = map[string]bool{}
	}
	if b.KnownDevices == nil {
		b.KnownDevices = map[string]bool{}
	}
}

// mostCommonHour breaks ties toward the earliest hour so the result is stable
func mostCommonHour(dist map[int]int) *int {
	best, bestCount := -1, 0
	for h := 0; h < 24; h++ {
		if c := dist[h]; c > bestCount {
			best, bestCount = h, c
		}
	}
	if best < 0 {
		return nil
	}
	return &best
}

// Clone returns a deep copy
func (b *UserBaseline) Clone() *UserBaseline {
	c := *b
	c.HourDistribution = maps.Clone(b.HourDistribution)
	c.MerchantCategories = maps.Clone(b.MerchantCategories)
	c.LocationStates = maps.Clone(b.LocationStates)
	c.LocationCountries = maps.Clone(b.LocationCountries)
	c.KnownMerchants = maps.Clone(b.KnownMerchants)
	c.KnownDevices = maps.Clone(b.KnownDevices)
	if b.MostCommonHour != nil {
		h := *b.MostCommonHour
		c.MostCommonHour = &h
	}
	if b.LastTransactionTime != nil {
		t := *b.LastTransactionTime
		c.LastTransactionTime = &t
	}
	return &c
}
