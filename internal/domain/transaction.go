package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as JSON numbers on the wire, not quoted strings
	decimal.MarshalJSONWithoutQuotes = true
}

// Amounts are stored with this many decimal places and at most
// 17 integer digits.
const AmountScale = 2

var (
	minorUnit = decimal.New(1, -AmountScale)
	maxAmount = decimal.New(1, 17)
)

// Transaction represents a card transaction submitted for fraud evaluation
// All fields except Channel are required
type Transaction struct {
	TransactionID    string          `json:"transactionId"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	MerchantID       string          `json:"merchantId"`
	MerchantCategory string          `json:"merchantCategory"`
	DeviceID         string          `json:"deviceId"`
	LocationState    string          `json:"locationState"`
	LocationCountry  string          `json:"locationCountry"`
	Channel          string          `json:"channel,omitempty"` // ONLINE, POS, ATM, MOBILE

	// Event time supplied by the caller, always normalised to UTC
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the transaction for missing or malformed fields
func (t *Transaction) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"transactionId", t.TransactionID},
		{"userId", t.UserID},
		{"merchantId", t.MerchantID},
		{"merchantCategory", t.MerchantCategory},
		{"deviceId", t.DeviceID},
		{"locationState", t.LocationState},
		{"locationCountry", t.LocationCountry},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return InvalidArgument("%s is required", f.name)
		}
	}
	if !t.Amount.IsPositive() {
		return InvalidArgument("amount must be positive")
	}
	if t.Amount.Exponent() < -AmountScale && !t.Amount.Equal(t.Amount.Truncate(AmountScale)) {
		return InvalidArgument("amount %s has more than %d decimal places", t.Amount, AmountScale)
	}
	if t.Amount.GreaterThanOrEqual(maxAmount) {
		return InvalidArgument("amount %s exceeds %s", t.Amount, maxAmount.Sub(minorUnit))
	}
	if t.Timestamp.IsZero() {
		return InvalidArgument("timestamp is required")
	}
	return nil
}

// AmountFloat returns the amount as a float for statistical scoring
func (t *Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// Hour returns the UTC hour of day the transaction happened in
func (t *Transaction) Hour() int {
	return t.Timestamp.UTC().Hour()
}

// timestampLayouts are accepted when parsing caller-supplied event times.
// Layouts without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an event time in any of the accepted layouts
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, InvalidArgument("timestamp %q is not a valid date-time", raw)
}
