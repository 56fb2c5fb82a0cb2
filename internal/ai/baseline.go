package ai

import (
	"math"
	"regexp"
	"strings"
)

// Baseline deltas the model is allowed to move away from the deterministic
// anchor. Validation rejects larger deviations.
const (
	MaxRatingDelta = 3.0
	MaxConfDelta   = 0.35
)

var (
	ceoRe = regexp.MustCompile(`\bceo\b`)
	cfoRe = regexp.MustCompile(`\bcfo\b`)
)

func normTitle(title interface{}) string {
	s, _ := title.(string)
	return strings.ToLower(strings.TrimSpace(s))
}

func isCEO(title interface{}) bool {
	t := normTitle(title)
	return t != "" && (strings.Contains(t, "chief executive") || ceoRe.MatchString(t))
}

func isCFO(title interface{}) bool {
	t := normTitle(title)
	return t != "" && (strings.Contains(t, "chief financial") || cfoRe.MatchString(t))
}

func isExec(title interface{}) bool {
	t := normTitle(title)
	if t == "" {
		return false
	}
	for _, k := range []string{"chief ", "ceo", "cfo", "coo", "president", "vp", "vice president", "executive"} {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func roundOne(x float64) float64 {
	return math.Round(x*10) / 10
}

// computeBaseline produces the deterministic rating/confidence anchor that
// keeps model output stable across prompts and model versions.
func computeBaseline(aiInput map[string]interface{}) map[string]interface{} {
	event := asMap(aiInput["event"])
	issuerContext := asMap(aiInput["issuer_context"])
	clusterContext := asMap(aiInput["cluster_context"])
	trendContext := asMap(aiInput["trend_context"])
	dataQuality := asMap(aiInput["data_quality"])
	insiderHistory := asMap(aiInput["insider_history"])

	bucket := issuerContext["market_cap_bucket"]
	title := event["owner_title"]

	out := map[string]interface{}{
		"buy":  baselineSide(event, "buy", bucket, title, clusterContext, trendContext, dataQuality, insiderHistory),
		"sell": baselineSide(event, "sell", bucket, title, clusterContext, trendContext, dataQuality, insiderHistory),
	}
	return out
}

func baselineSide(
	event map[string]interface{},
	side string,
	bucket, title interface{},
	clusterContext, trendContext, dataQuality, insiderHistory map[string]interface{},
) map[string]interface{} {
	isBuy := side == "buy"
	sideObj := asMap(event[side])

	has, _ := sideObj["has_"+side].(bool)
	if !has {
		return map[string]interface{}{
			"rating":     nil,
			"confidence": nil,
			"reasons":    []interface{}{},
		}
	}

	pct := asFloat(sideObj["holdings_change_pct"])
	rating := pctBase(pct, isBuy)
	reasons := []interface{}{"pct_holdings_change"}

	sizeAdj := tradeSizeAdj(sideObj["dollars"], sideObj["trade_value_pct_market_cap"])
	rating += sizeAdj
	rating += bucketAdj(bucket)
	rating += roleAdj(title)
	rating += historyAdj(insiderHistory["prior_"+side+"_events_total"], sizeAdj)
	rating += clusterAdj(asMap(clusterContext[side+"_cluster"]))
	rating += trendAdj(trendContext, isBuy)
	rating = clamp(rating, 1.0, 10.0)

	// Confidence is primarily data-quality and strength driven.
	conf := 0.38
	pctThreshold := 25.0
	if isBuy {
		conf = 0.40
		pctThreshold = 50.0
	}
	if pct != nil && *pct >= pctThreshold {
		conf += 0.10
	}
	if isCEO(title) || isCFO(title) {
		conf += 0.05
	}
	if flag, _ := asMap(clusterContext[side+"_cluster"])["cluster_flag"].(bool); flag {
		conf += 0.05
	}
	if partial, _ := dataQuality[side+"_vwap_is_partial"].(bool); partial {
		conf -= 0.07
	}
	if missing, _ := dataQuality["trend_missing"].(bool); missing {
		conf -= 0.05
	}

	return map[string]interface{}{
		"rating":     roundOne(rating),
		"confidence": clamp(conf, 0.0, 1.0),
		"reasons":    reasons,
	}
}

func pctBase(pct *float64, isBuy bool) float64 {
	if pct == nil {
		if isBuy {
			return 5.6
		}
		return 5.4
	}
	p := *pct
	switch {
	case p >= 200:
		return pick(isBuy, 9.5, 9.0)
	case p >= 100:
		return pick(isBuy, 9.0, 8.5)
	case p >= 50:
		return pick(isBuy, 8.5, 8.0)
	case p >= 25:
		return pick(isBuy, 8.0, 7.5)
	case p >= 10:
		return pick(isBuy, 7.5, 7.0)
	case p >= 5:
		return pick(isBuy, 7.0, 6.5)
	case p >= 2:
		return 6.5
	case p >= 1:
		return 5.8
	default:
		return 5.2
	}
}

func pick(cond bool, a, b float64) float64 {
	if cond {
		return a
	}
	return b
}

func bucketAdj(bucket interface{}) float64 {
	b, _ := bucket.(string)
	switch strings.ToLower(strings.TrimSpace(b)) {
	case "micro":
		return 0.7
	case "small":
		return 0.4
	case "mid":
		return 0.2
	case "mega":
		return -0.3
	default:
		return 0.0
	}
}

func roleAdj(title interface{}) float64 {
	if isCEO(title) {
		return 0.6
	}
	if isExec(title) {
		return 0.3
	}
	return 0.0
}

// tradeSizeAdj prefers trade value as a share of market cap over raw dollars.
func tradeSizeAdj(dollars, pctMcap interface{}) float64 {
	if p := asFloat(pctMcap); p != nil {
		switch {
		case *p >= 1.0:
			return 1.0
		case *p >= 0.5:
			return 0.7
		case *p >= 0.1:
			return 0.4
		case *p >= 0.05:
			return 0.2
		case *p < 0.005:
			return -0.4
		case *p < 0.02:
			return -0.2
		default:
			return 0.0
		}
	}

	d := asFloat(dollars)
	if d == nil {
		return 0.0
	}
	switch {
	case *d >= 5_000_000:
		return 0.7
	case *d >= 1_000_000:
		return 0.5
	case *d >= 250_000:
		return 0.3
	case *d >= 100_000:
		return 0.2
	case *d < 25_000:
		return -0.2
	default:
		return 0.0
	}
}

// historyAdj rewards rarity: first-ever events are informative only when the
// trade itself is not tiny. Unknown history stays neutral.
func historyAdj(priorTotal interface{}, sizeAdj float64) float64 {
	f := asFloat(priorTotal)
	if f == nil {
		return 0.0
	}
	n := int(*f)
	switch {
	case n == 0:
		if sizeAdj >= 0.2 {
			return 0.35
		}
		return 0.1
	case n <= 2:
		return 0.2
	case n <= 5:
		return 0.1
	default:
		return 0.0
	}
}

func clusterAdj(cluster map[string]interface{}) float64 {
	if flag, _ := cluster["cluster_flag"].(bool); flag {
		return 0.4
	}
	return 0.0
}

// trendAdj lightly rewards mean-reversion buys and momentum sells.
func trendAdj(trendContext map[string]interface{}, isBuy bool) float64 {
	ret60 := asFloat(asMap(trendContext["pre_returns"])["ret_60d"])
	if ret60 == nil {
		return 0.0
	}
	r := *ret60
	if isBuy {
		switch {
		case r <= -0.25:
			return 0.35
		case r <= -0.10:
			return 0.2
		case r >= 0.25:
			return -0.2
		default:
			return 0.0
		}
	}
	switch {
	case r >= 0.25:
		return 0.25
	case r >= 0.10:
		return 0.15
	case r <= -0.25:
		return -0.15
	default:
		return 0.0
	}
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func asFloat(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	case float32:
		f := float64(n)
		return &f
	}
	return nil
}
