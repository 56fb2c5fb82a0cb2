package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baselineInput(event, issuerContext, clusterContext, trendContext, dataQuality, history map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"event":           event,
		"issuer_context":  issuerContext,
		"cluster_context": clusterContext,
		"trend_context":   trendContext,
		"data_quality":    dataQuality,
		"insider_history": history,
	}
}

func TestComputeBaselineStrongBuyClampsAtTen(t *testing.T) {
	input := baselineInput(
		map[string]interface{}{
			"owner_title": "Chief Executive Officer",
			"buy": map[string]interface{}{
				"has_buy":             true,
				"holdings_change_pct": 120.0,
			},
			"sell": map[string]interface{}{"has_sell": false},
		},
		map[string]interface{}{"market_cap_bucket": "micro"},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{},
	)

	out := computeBaseline(input)
	buy := out["buy"].(map[string]interface{})

	// 9.0 base + 0.7 micro + 0.6 CEO exceeds the scale and clamps.
	assert.Equal(t, 10.0, buy["rating"])
	assert.InDelta(t, 0.55, buy["confidence"].(float64), 1e-9)
	assert.Equal(t, []interface{}{"pct_holdings_change"}, buy["reasons"])

	sell := out["sell"].(map[string]interface{})
	assert.Nil(t, sell["rating"])
	assert.Nil(t, sell["confidence"])
	assert.Empty(t, sell["reasons"])
}

func TestComputeBaselineUnknownPctIsNeutral(t *testing.T) {
	input := baselineInput(
		map[string]interface{}{
			"buy":  map[string]interface{}{"has_buy": false},
			"sell": map[string]interface{}{"has_sell": true},
		},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{},
	)

	out := computeBaseline(input)
	sell := out["sell"].(map[string]interface{})
	assert.Equal(t, 5.4, sell["rating"])
	assert.InDelta(t, 0.38, sell["confidence"].(float64), 1e-9)
}

func TestComputeBaselineConfidencePenalties(t *testing.T) {
	input := baselineInput(
		map[string]interface{}{
			"buy": map[string]interface{}{
				"has_buy":             true,
				"holdings_change_pct": 3.0,
			},
			"sell": map[string]interface{}{"has_sell": false},
		},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{
			"buy_vwap_is_partial": true,
			"trend_missing":       true,
		},
		map[string]interface{}{},
	)

	out := computeBaseline(input)
	buy := out["buy"].(map[string]interface{})
	assert.InDelta(t, 0.40-0.07-0.05, buy["confidence"].(float64), 1e-9)
}

func TestPctBaseTiers(t *testing.T) {
	cases := []struct {
		pct     float64
		isBuy   bool
		rating  float64
	}{
		{250, true, 9.5},
		{250, false, 9.0},
		{100, true, 9.0},
		{50, true, 8.5},
		{25, false, 7.5},
		{10, true, 7.5},
		{5, false, 6.5},
		{2, true, 6.5},
		{1, true, 5.8},
		{0.5, true, 5.2},
	}
	for _, c := range cases {
		p := c.pct
		assert.Equal(t, c.rating, pctBase(&p, c.isBuy), "pct=%v buy=%v", c.pct, c.isBuy)
	}
	assert.Equal(t, 5.6, pctBase(nil, true))
	assert.Equal(t, 5.4, pctBase(nil, false))
}

func TestTradeSizeAdjPrefersPctMarketCap(t *testing.T) {
	// Large dollar amount, but trivially small relative to the company.
	assert.Equal(t, -0.4, tradeSizeAdj(5_000_000.0, 0.001))
	assert.Equal(t, 1.0, tradeSizeAdj(nil, 1.5))
	assert.Equal(t, 0.7, tradeSizeAdj(nil, 0.6))
	assert.Equal(t, 0.2, tradeSizeAdj(nil, 0.05))

	// Dollar fallback when pct of market cap is unknown.
	assert.Equal(t, 0.7, tradeSizeAdj(5_000_000.0, nil))
	assert.Equal(t, 0.3, tradeSizeAdj(300_000.0, nil))
	assert.Equal(t, -0.2, tradeSizeAdj(10_000.0, nil))
	assert.Equal(t, 0.0, tradeSizeAdj(nil, nil))
}

func TestHistoryAdjRewardsRarity(t *testing.T) {
	assert.Equal(t, 0.35, historyAdj(0, 0.4))
	assert.Equal(t, 0.1, historyAdj(0, 0.0))
	assert.Equal(t, 0.2, historyAdj(2, 0.0))
	assert.Equal(t, 0.1, historyAdj(5, 0.0))
	assert.Equal(t, 0.0, historyAdj(12, 0.0))
	assert.Equal(t, 0.0, historyAdj(nil, 0.4))
}

func TestTrendAdjDirectionality(t *testing.T) {
	trend := func(r float64) map[string]interface{} {
		return map[string]interface{}{"pre_returns": map[string]interface{}{"ret_60d": r}}
	}
	assert.Equal(t, 0.35, trendAdj(trend(-0.30), true))
	assert.Equal(t, 0.2, trendAdj(trend(-0.15), true))
	assert.Equal(t, -0.2, trendAdj(trend(0.30), true))
	assert.Equal(t, 0.25, trendAdj(trend(0.30), false))
	assert.Equal(t, 0.15, trendAdj(trend(0.15), false))
	assert.Equal(t, -0.15, trendAdj(trend(-0.30), false))
	assert.Equal(t, 0.0, trendAdj(map[string]interface{}{}, true))
}

func TestTitleHeuristics(t *testing.T) {
	assert.True(t, isCEO("Chief Executive Officer"))
	assert.True(t, isCEO("CEO and Chairman"))
	assert.False(t, isCEO("oceanographer"))
	assert.True(t, isCFO("chief financial officer"))
	assert.True(t, isExec("Vice President, Sales"))
	assert.True(t, isExec("President"))
	assert.False(t, isExec("Director"))
	assert.False(t, isExec(nil))
}

func TestBaselineRatingHasOneDecimal(t *testing.T) {
	input := baselineInput(
		map[string]interface{}{
			"owner_title": "VP of Engineering",
			"buy": map[string]interface{}{
				"has_buy":             true,
				"holdings_change_pct": 7.0,
				"dollars":             300_000.0,
			},
			"sell": map[string]interface{}{"has_sell": false},
		},
		map[string]interface{}{"market_cap_bucket": "small"},
		map[string]interface{}{"buy_cluster": map[string]interface{}{"cluster_flag": true}},
		map[string]interface{}{},
		map[string]interface{}{},
		map[string]interface{}{"prior_buy_events_total": 1},
	)

	out := computeBaseline(input)
	buy := out["buy"].(map[string]interface{})
	rating, ok := buy["rating"].(float64)
	require.True(t, ok)
	assert.Equal(t, roundOne(rating), rating)
	// 7.0 base + 0.3 size + 0.4 small + 0.3 exec + 0.2 history + 0.4 cluster.
	assert.InDelta(t, 8.6, rating, 1e-9)
}
