package compute

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/database"
	"github.com/aristath/insiderscope/internal/domain"
)

func seedOutcome(t *testing.T, db *database.DB, key domain.OwnerIssuerKey, accession, side string, excess60, excess180 interface{}) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO event_outcomes (
			issuer_cik, owner_key, accession_number, side,
			excess_return_60d, excess_return_180d,
			outcomes_version, computed_at
		) VALUES (?,?,?,?,?,?,'outcomes_v2','2024-01-01T00:00:00.000000Z')`,
		key.IssuerCIK, key.OwnerKey, accession, side, excess60, excess180)
	require.NoError(t, err)
}

func TestComputeStatsForOwnerIssuer(t *testing.T) {
	db := newTestDB(t)
	key := domain.OwnerIssuerKey{IssuerCIK: "0000320193", OwnerKey: "cik:0000000001"}

	seedOutcome(t, db, key, "acc-1", "buy", 0.10, 0.25)
	seedOutcome(t, db, key, "acc-2", "buy", -0.05, nil)
	seedOutcome(t, db, key, "acc-3", "buy", 0.20, nil)
	// A different owner's outcome must not leak in.
	seedOutcome(t, db, domain.OwnerIssuerKey{IssuerCIK: key.IssuerCIK, OwnerKey: "cik:0000000099"},
		"acc-4", "buy", 0.99, 0.99)

	insertEvent(t, db, eventSeed{
		IssuerCIK: key.IssuerCIK, OwnerKey: key.OwnerKey, Accession: "acc-1",
		EventTradeDate: "2024-01-02", HasBuy: true, BuyTradeDate: "2024-01-02", BuyVWAP: 10,
	})

	require.NoError(t, ComputeStatsForOwnerIssuer(db.Conn(), testCfg(), key))

	var n60, n180 int
	var win60, avg60, win180, avg180 float64
	var version string
	err := db.QueryRow(`
		SELECT eligible_n_60d, win_rate_60d, avg_return_60d,
		       eligible_n_180d, win_rate_180d, avg_return_180d, stats_version
		FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side='buy'`,
		key.IssuerCIK, key.OwnerKey).
		Scan(&n60, &win60, &avg60, &n180, &win180, &avg180, &version)
	require.NoError(t, err)

	assert.Equal(t, 3, n60)
	assert.InDelta(t, 2.0/3.0, win60, 1e-9)
	assert.InDelta(t, (0.10-0.05+0.20)/3.0, avg60, 1e-9)
	assert.Equal(t, 1, n180)
	assert.InDelta(t, 1.0, win180, 1e-9)
	assert.InDelta(t, 0.25, avg180, 1e-9)
	assert.Equal(t, "stats_v2", version)

	// The sell side gets a zero-sample row with NULL rates.
	var sellN int
	var sellWin sql.NullFloat64
	require.NoError(t, db.QueryRow(
		"SELECT eligible_n_60d, win_rate_60d FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side='sell'",
		key.IssuerCIK, key.OwnerKey,
	).Scan(&sellN, &sellWin))
	assert.Equal(t, 0, sellN)
	assert.False(t, sellWin.Valid)

	// Events of this owner+issuer are stamped for AI gating.
	var statsAt sql.NullString
	require.NoError(t, db.QueryRow(
		"SELECT stats_computed_at FROM insider_events WHERE issuer_cik=? AND owner_key=?",
		key.IssuerCIK, key.OwnerKey,
	).Scan(&statsAt))
	assert.True(t, statsAt.Valid)
}

func TestComputeStatsRecomputeOverwrites(t *testing.T) {
	db := newTestDB(t)
	key := domain.OwnerIssuerKey{IssuerCIK: "0000320193", OwnerKey: "cik:0000000001"}

	seedOutcome(t, db, key, "acc-1", "sell", -0.10, nil)
	require.NoError(t, ComputeStatsForOwnerIssuer(db.Conn(), testCfg(), key))

	seedOutcome(t, db, key, "acc-2", "sell", 0.30, nil)
	require.NoError(t, ComputeStatsForOwnerIssuer(db.Conn(), testCfg(), key))

	var n int
	var win float64
	require.NoError(t, db.QueryRow(
		"SELECT eligible_n_60d, win_rate_60d FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side='sell'",
		key.IssuerCIK, key.OwnerKey,
	).Scan(&n, &win))
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.5, win, 1e-9)
}
