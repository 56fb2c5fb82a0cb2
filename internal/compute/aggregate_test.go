package compute

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/database"
)

func seedFiling(t *testing.T, db *database.DB, accession, issuerCIK, filingDate string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO filings (accession_number, issuer_cik, form_type, filing_date, parse_version, ingested_at)
		VALUES (?,?,?,?,?,?)`,
		accession, issuerCIK, "4", filingDate, "form4_parse_v1.1", "2024-01-02T00:00:00.000000Z",
	)
	require.NoError(t, err)
}

func seedIssuer(t *testing.T, db *database.DB, issuerCIK, ticker string) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO issuer_master (issuer_cik, current_ticker, issuer_name) VALUES (?,?,?)",
		issuerCIK, nullIfEmpty(ticker), "Test Issuer Inc",
	)
	require.NoError(t, err)
}

type rawRowSeed struct {
	Accession    string
	IssuerCIK    string
	OwnerKey     string
	OwnerName    string
	IsDerivative bool
	Code         string
	Date         string
	SharesAbs    interface{}
	Price        interface{}
	SOF          interface{}
	Payload      string
}

func seedRawRow(t *testing.T, db *database.DB, r rawRowSeed) {
	t.Helper()
	payload := r.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := db.Exec(`
		INSERT INTO form4_rows_raw (
			accession_number, issuer_cik, owner_key, owner_cik, owner_name_raw, owner_name_normalized,
			is_derivative, transaction_code, transaction_date, shares_abs, price, shares_owned_following,
			raw_payload_json
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Accession, r.IssuerCIK, r.OwnerKey, "0001214156", r.OwnerName, r.OwnerName,
		boolToInt(r.IsDerivative), nullIfEmpty(r.Code), nullIfEmpty(r.Date), r.SharesAbs, r.Price, r.SOF,
		payload,
	)
	require.NoError(t, err)
}

func TestAggregateAccessionBuyRollup(t *testing.T) {
	db := newTestDB(t)
	acc := "0000320193-24-000050"
	cik := "0000320193"
	owner := "cik:0001214156"

	seedIssuer(t, db, cik, "AAPL")
	seedFiling(t, db, acc, cik, "2024-03-06")

	payload := `{"reporting_owner":{"officer_title":"Chief Executive Officer","is_officer":true,"is_director":false,"is_ten_percent_owner":false}}`
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "COOK TIMOTHY D",
		Code: "P", Date: "2024-03-01", SharesAbs: 100.0, Price: 10.0, SOF: 1100.0, Payload: payload})
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "COOK TIMOTHY D",
		Code: "P", Date: "2024-03-04", SharesAbs: 50.0, Price: 12.0, SOF: 1150.0, Payload: payload})
	// A derivative exercise and a non-open-market grant only affect counts.
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "COOK TIMOTHY D",
		IsDerivative: true, Code: "M", Date: "2024-02-28", SharesAbs: 500.0, Payload: payload})
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "COOK TIMOTHY D",
		Code: "A", Date: "2024-02-27", SharesAbs: 25.0, Payload: payload})

	keys, err := AggregateAccession(db.Conn(), testCfg(), acc)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, owner, keys[0].OwnerKey)

	var hasBuy, derivCount, nonOMCount int
	var tradeDate, lastTxDate, eventTradeDate, title string
	var shares, dollars, vwap, sof, pct float64
	err = db.QueryRow(`
		SELECT has_buy, buy_trade_date, buy_last_tx_date, buy_shares_total, buy_dollars_total,
		       buy_vwap_price, buy_shares_owned_following, buy_pct_holdings_change,
		       event_trade_date, owner_title, derivative_row_count, non_open_market_row_count
		FROM insider_events WHERE accession_number=?`, acc).
		Scan(&hasBuy, &tradeDate, &lastTxDate, &shares, &dollars, &vwap, &sof, &pct,
			&eventTradeDate, &title, &derivCount, &nonOMCount)
	require.NoError(t, err)

	assert.Equal(t, 1, hasBuy)
	assert.Equal(t, "2024-03-01", tradeDate)
	assert.Equal(t, "2024-03-04", lastTxDate)
	assert.Equal(t, 150.0, shares)
	assert.Equal(t, 1600.0, dollars)
	assert.InDelta(t, 1600.0/150.0, vwap, 1e-9)
	assert.Equal(t, 1150.0, sof)
	// before = 1150 - 150 = 1000, so a 15% increase.
	assert.InDelta(t, 15.0, pct, 1e-9)
	assert.Equal(t, "2024-02-27", eventTradeDate)
	assert.Equal(t, "Chief Executive Officer", title)
	assert.Equal(t, 1, derivCount)
	assert.Equal(t, 1, nonOMCount)
}

func TestAggregateAccessionPartialVWAP(t *testing.T) {
	db := newTestDB(t)
	acc := "0000320193-24-000051"
	cik := "0000320193"
	owner := "cik:0001214156"

	seedIssuer(t, db, cik, "AAPL")
	seedFiling(t, db, acc, cik, "2024-03-06")

	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "DOE JANE",
		Code: "S", Date: "2024-03-01", SharesAbs: 200.0, Price: 20.0, SOF: 800.0})
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "DOE JANE",
		Code: "S", Date: "2024-03-01", SharesAbs: 100.0, Price: nil, SOF: 700.0})

	_, err := AggregateAccession(db.Conn(), testCfg(), acc)
	require.NoError(t, err)

	var shares, dollars, vwap, priced, unpriced, sof, pct float64
	var partial int
	err = db.QueryRow(`
		SELECT sell_shares_total, sell_dollars_total, sell_vwap_price,
		       sell_priced_shares_total, sell_unpriced_shares_total, sell_vwap_is_partial,
		       sell_shares_owned_following, sell_pct_holdings_change
		FROM insider_events WHERE accession_number=?`, acc).
		Scan(&shares, &dollars, &vwap, &priced, &unpriced, &partial, &sof, &pct)
	require.NoError(t, err)

	assert.Equal(t, 300.0, shares)
	assert.Equal(t, 4000.0, dollars)
	assert.Equal(t, 20.0, vwap)
	assert.Equal(t, 200.0, priced)
	assert.Equal(t, 100.0, unpriced)
	assert.Equal(t, 1, partial)
	// Last leg by date then row order carries shares owned following.
	assert.Equal(t, 700.0, sof)
	// Sell: before = 700 + 300 = 1000, 30% reduction.
	assert.InDelta(t, 30.0, pct, 1e-9)
}

func TestAggregateAccessionMissingSharesReason(t *testing.T) {
	db := newTestDB(t)
	acc := "0000320193-24-000052"
	cik := "0000320193"
	owner := "cik:0001214156"

	seedIssuer(t, db, cik, "")
	seedFiling(t, db, acc, cik, "2024-03-06")

	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "DOE JANE",
		Code: "P", Date: "2024-03-01", SharesAbs: nil, Price: 10.0, SOF: nil})

	_, err := AggregateAccession(db.Conn(), testCfg(), acc)
	require.NoError(t, err)

	var reason string
	require.NoError(t, db.QueryRow(
		"SELECT buy_pct_change_missing_reason FROM insider_events WHERE accession_number=?", acc,
	).Scan(&reason))
	assert.Equal(t, "missing_shares_total", reason)
}

func TestAggregateAccessionClearsDerivedFields(t *testing.T) {
	db := newTestDB(t)
	acc := "0000320193-24-000053"
	cik := "0000320193"
	owner := "cik:0001214156"

	seedIssuer(t, db, cik, "AAPL")
	seedFiling(t, db, acc, cik, "2024-03-06")
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: owner, OwnerName: "DOE JANE",
		Code: "P", Date: "2024-03-01", SharesAbs: 100.0, Price: 10.0, SOF: 1100.0})

	_, err := AggregateAccession(db.Conn(), testCfg(), acc)
	require.NoError(t, err)

	// Simulate downstream compute having filled derived fields.
	_, err = db.Exec(`
		UPDATE insider_events
		SET trend_ret_20d=0.05, trend_computed_at='2024-03-07T00:00:00.000000Z',
		    cluster_flag_buy=1, cluster_id_buy='clu|AAPL|buy|x',
		    ai_buy_rating=7.5, market_cap=3000000000000, market_cap_bucket='mega'
		WHERE accession_number=?`, acc)
	require.NoError(t, err)

	_, err = AggregateAccession(db.Conn(), testCfg(), acc)
	require.NoError(t, err)

	var ret20, aiRating sql.NullFloat64
	var trendAt, clusterID, bucket sql.NullString
	var clusterFlag sql.NullInt64
	var marketCap sql.NullInt64
	err = db.QueryRow(`
		SELECT trend_ret_20d, trend_computed_at, cluster_flag_buy, cluster_id_buy,
		       ai_buy_rating, market_cap, market_cap_bucket
		FROM insider_events WHERE accession_number=?`, acc).
		Scan(&ret20, &trendAt, &clusterFlag, &clusterID, &aiRating, &marketCap, &bucket)
	require.NoError(t, err)

	assert.False(t, ret20.Valid)
	assert.False(t, trendAt.Valid)
	assert.False(t, clusterFlag.Valid)
	assert.False(t, clusterID.Valid)
	assert.False(t, aiRating.Valid)
	// The market cap snapshot survives re-aggregation.
	assert.Equal(t, int64(3000000000000), marketCap.Int64)
	assert.Equal(t, "mega", bucket.String)
}

func TestAggregateAccessionMultipleOwners(t *testing.T) {
	db := newTestDB(t)
	acc := "0000320193-24-000054"
	cik := "0000320193"

	seedIssuer(t, db, cik, "AAPL")
	seedFiling(t, db, acc, cik, "2024-03-06")
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: "cik:0000000001", OwnerName: "ONE",
		Code: "P", Date: "2024-03-01", SharesAbs: 10.0, Price: 5.0, SOF: 100.0})
	seedRawRow(t, db, rawRowSeed{Accession: acc, IssuerCIK: cik, OwnerKey: "cik:0000000002", OwnerName: "TWO",
		Code: "S", Date: "2024-03-01", SharesAbs: 10.0, Price: 5.0, SOF: 100.0})

	keys, err := AggregateAccession(db.Conn(), testCfg(), acc)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM insider_events WHERE accession_number=?", acc,
	).Scan(&count))
	assert.Equal(t, 2, count)
}
