package compute

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/domain"
)

func TestComputeTrendForEvent(t *testing.T) {
	db := newTestDB(t)
	cik := "0000320193"
	ek := domain.EventKey{IssuerCIK: cik, OwnerKey: "cik:0000000001", AccessionNumber: "acc-trend-1"}

	closes := rampingCloses(300, 100.0, 0.1)
	dates := seedDailyPrices(t, db, "issuer_prices_daily", "issuer_cik", cik, "2023-01-01", closes)

	anchor := 260
	insertEvent(t, db, eventSeed{
		IssuerCIK: cik, OwnerKey: ek.OwnerKey, Accession: ek.AccessionNumber,
		EventTradeDate: dates[anchor],
		HasBuy:         true, BuyTradeDate: dates[anchor], BuyVWAP: 10,
	})

	require.NoError(t, ComputeTrendForEvent(db.Conn(), ek))

	var anchorDate string
	var closeAnchor, ret20, ret60, distHigh, distLow float64
	var aboveSMA50, aboveSMA200 int
	var reason sql.NullString
	err := db.QueryRow(`
		SELECT trend_anchor_trading_date, trend_close, trend_ret_20d, trend_ret_60d,
		       trend_dist_52w_high, trend_dist_52w_low, trend_above_sma_50, trend_above_sma_200,
		       trend_missing_reason
		FROM insider_events WHERE accession_number=?`, ek.AccessionNumber).
		Scan(&anchorDate, &closeAnchor, &ret20, &ret60, &distHigh, &distLow, &aboveSMA50, &aboveSMA200, &reason)
	require.NoError(t, err)

	assert.Equal(t, dates[anchor], anchorDate)
	assert.InDelta(t, closes[anchor], closeAnchor, 1e-9)
	assert.InDelta(t, closes[anchor]/closes[anchor-20]-1.0, ret20, 1e-9)
	assert.InDelta(t, closes[anchor]/closes[anchor-60]-1.0, ret60, 1e-9)
	// A strictly rising series anchors at the 52-week high.
	assert.InDelta(t, 0.0, distHigh, 1e-9)
	assert.InDelta(t, closes[anchor]/closes[anchor-251]-1.0, distLow, 1e-9)
	assert.Equal(t, 1, aboveSMA50)
	assert.Equal(t, 1, aboveSMA200)
	assert.False(t, reason.Valid)
}

func TestComputeTrendAnchorsOnOpenMarketDate(t *testing.T) {
	db := newTestDB(t)
	cik := "0000320193"
	ek := domain.EventKey{IssuerCIK: cik, OwnerKey: "cik:0000000001", AccessionNumber: "acc-trend-2"}

	closes := rampingCloses(300, 100.0, 0.1)
	dates := seedDailyPrices(t, db, "issuer_prices_daily", "issuer_cik", cik, "2023-01-01", closes)

	// A derivative grant dated earlier than the open-market sell must not
	// move the anchor.
	insertEvent(t, db, eventSeed{
		IssuerCIK: cik, OwnerKey: ek.OwnerKey, Accession: ek.AccessionNumber,
		EventTradeDate: dates[100],
		HasSell:        true, SellTradeDate: dates[270], SellVWAP: 10,
	})

	require.NoError(t, ComputeTrendForEvent(db.Conn(), ek))

	var anchorDate string
	require.NoError(t, db.QueryRow(
		"SELECT trend_anchor_trading_date FROM insider_events WHERE accession_number=?", ek.AccessionNumber,
	).Scan(&anchorDate))
	assert.Equal(t, dates[270], anchorDate)
}

func TestComputeTrendMissingReasons(t *testing.T) {
	db := newTestDB(t)
	cik := "0000320193"

	cases := []struct {
		name       string
		accession  string
		seriesLen  int
		anchorIdx  int
		pastSeries bool
		reason     string
	}{
		{"no series", "acc-trend-3", 0, 0, false, "missing_price_series"},
		{"short for sma200", "acc-trend-4", 300, 150, false, "insufficient_history_for_sma200"},
		{"short for 52w", "acc-trend-5", 300, 230, false, "insufficient_history_for_52w"},
		{"after series end", "acc-trend-6", 300, 0, true, "anchor_not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evCIK := cik + tc.accession
			var tradeDate string
			if tc.seriesLen > 0 {
				closes := rampingCloses(tc.seriesLen, 100.0, 0.1)
				dates := seedDailyPrices(t, db, "issuer_prices_daily", "issuer_cik", evCIK, "2023-01-01", closes)
				if tc.pastSeries {
					tradeDate = "2099-01-01"
				} else {
					tradeDate = dates[tc.anchorIdx]
				}
			} else {
				tradeDate = "2024-01-02"
			}

			ek := domain.EventKey{IssuerCIK: evCIK, OwnerKey: "cik:0000000001", AccessionNumber: tc.accession}
			insertEvent(t, db, eventSeed{
				IssuerCIK: evCIK, OwnerKey: ek.OwnerKey, Accession: ek.AccessionNumber,
				EventTradeDate: tradeDate,
				HasBuy:         true, BuyTradeDate: tradeDate, BuyVWAP: 10,
			})

			require.NoError(t, ComputeTrendForEvent(db.Conn(), ek))

			var reason string
			var anchorDate sql.NullString
			require.NoError(t, db.QueryRow(
				"SELECT trend_missing_reason, trend_anchor_trading_date FROM insider_events WHERE accession_number=?",
				ek.AccessionNumber,
			).Scan(&reason, &anchorDate))
			assert.Equal(t, tc.reason, reason)
			assert.False(t, anchorDate.Valid)
		})
	}
}

func TestComputeTrendMissingEvent(t *testing.T) {
	db := newTestDB(t)
	ek := domain.EventKey{IssuerCIK: "0000000009", OwnerKey: "cik:0000000001", AccessionNumber: "missing"}
	err := ComputeTrendForEvent(db.Conn(), ek)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event not found")
}
