// Package domain holds the shared identifiers and constants used across
// ingestion, compute, and the API.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side of an insider event rollup.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// EventKey identifies one insider event: one filing's rows for one
// reporting owner of one issuer.
type EventKey struct {
	IssuerCIK       string `json:"issuer_cik"`
	OwnerKey        string `json:"owner_key"`
	AccessionNumber string `json:"accession_number"`
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.IssuerCIK, k.OwnerKey, k.AccessionNumber)
}

// OwnerIssuerKey identifies an owner's history at one issuer.
type OwnerIssuerKey struct {
	IssuerCIK string `json:"issuer_cik"`
	OwnerKey  string `json:"owner_key"`
}

// NowISO returns the current UTC time in the ISO-8601 'Z' form used for
// every timestamp column. These strings sort lexicographically in time order.
func NowISO() string {
	return FormatISO(time.Now().UTC())
}

// FormatISO formats a time in the platform's canonical timestamp form.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// ISOAfter returns the canonical timestamp for now plus the given duration.
func ISOAfter(d time.Duration) string {
	return FormatISO(time.Now().UTC().Add(d))
}

// ParseISO parses a canonical timestamp back into a time.Time.
func ParseISO(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000000Z", s)
}

// ZeroPadCIK normalizes a CIK to the 10-digit form EDGAR uses. Non-digit
// characters are dropped; an input with no digits returns "".
func ZeroPadCIK(cik string) string {
	var b strings.Builder
	for _, ch := range cik {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if len(digits) >= 10 {
		return digits
	}
	return strings.Repeat("0", 10-len(digits)) + digits
}
