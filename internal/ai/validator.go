package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

// ValidationError marks model output that failed the ai_output_v1 contract.
// The caller uses it to decide between a model repair attempt and a hard
// failure.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

var (
	allowedTopKeys = []string{
		"schema_version", "model_id", "prompt_version", "generated_at_utc",
		"event_key", "verdict", "narrative", "risks", "flags", "field_citations",
	}
	allowedStatus   = map[string]bool{"applicable": true, "not_applicable": true, "insufficient_data": true}
	allowedSeverity = map[string]bool{"low": true, "medium": true, "high": true}
)

// ExtractJSON parses a JSON object out of model text. The model sometimes
// wraps JSON in markdown or stray prose despite the response MIME type, so
// after the strict parse we try the first-brace-to-last-brace substring and
// finally a mechanical JSON repair.
func ExtractJSON(text string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, validationErrorf("empty model response")
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		candidate := text[start : end+1]
		obj = nil
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, nil
		}
		if fixed, err := jsonrepair.RepairJSON(candidate); err == nil {
			obj = nil
			if err := json.Unmarshal([]byte(fixed), &obj); err == nil {
				return obj, nil
			}
		}
	}

	return nil, validationErrorf("could not find JSON object in model response")
}

// ValidateOutput strictly checks the model output against the ai_output_v1
// contract and the input it was produced from. Intentionally strict: a
// rejected output is retried or dropped, never persisted.
func ValidateOutput(aiOutput, aiInput map[string]interface{}) error {
	if aiOutput == nil {
		return validationErrorf("AI output must be a JSON object")
	}

	allowed := map[string]bool{}
	for _, k := range allowedTopKeys {
		allowed[k] = true
	}
	var extra []string
	for k := range aiOutput {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return validationErrorf("AI output has unknown top-level keys: %v", extra)
	}
	for _, k := range allowedTopKeys {
		if _, ok := aiOutput[k]; !ok {
			return validationErrorf("missing top-level key: %s", k)
		}
	}

	if s, _ := aiOutput["schema_version"].(string); s != "ai_output_v1" {
		return validationErrorf("schema_version must be ai_output_v1")
	}
	if s, _ := aiOutput["model_id"].(string); s == "" {
		return validationErrorf("model_id must be non-empty string")
	}
	if s, _ := aiOutput["prompt_version"].(string); s == "" {
		return validationErrorf("prompt_version must be non-empty string")
	}
	if ts, _ := aiOutput["generated_at_utc"].(string); !strings.HasSuffix(ts, "Z") || !strings.Contains(ts, "T") {
		return validationErrorf("generated_at_utc must be ISO UTC string ending with Z")
	}

	ek, ok := aiOutput["event_key"].(map[string]interface{})
	if !ok {
		return validationErrorf("event_key must be object")
	}
	for _, k := range []string{"issuer_cik", "owner_key", "accession_number"} {
		if s, _ := ek[k].(string); s == "" {
			return validationErrorf("event_key.%s must be non-empty string", k)
		}
	}
	inpEvent := asMap(aiInput["event"])
	if ek["issuer_cik"] != inpEvent["issuer_cik"] ||
		ek["owner_key"] != inpEvent["owner_key"] ||
		ek["accession_number"] != inpEvent["accession_number"] {
		return validationErrorf("event_key does not match input event identity")
	}

	verdict, ok := aiOutput["verdict"].(map[string]interface{})
	if !ok {
		return validationErrorf("verdict must be object")
	}
	if _, ok := verdict["buy_signal"]; !ok {
		return validationErrorf("verdict must include buy_signal and sell_signal")
	}
	if _, ok := verdict["sell_signal"]; !ok {
		return validationErrorf("verdict must include buy_signal and sell_signal")
	}

	hasBuy, _ := asMap(inpEvent["buy"])["has_buy"].(bool)
	hasSell, _ := asMap(inpEvent["sell"])["has_sell"].(bool)
	if err := validateSignal(verdict["buy_signal"], hasBuy, "buy"); err != nil {
		return err
	}
	if err := validateSignal(verdict["sell_signal"], hasSell, "sell"); err != nil {
		return err
	}

	narrative, ok := aiOutput["narrative"].(map[string]interface{})
	if !ok {
		return validationErrorf("narrative must be object")
	}
	anyBullets := false
	for _, key := range []string{"thesis_bullets", "context_bullets", "counterpoints_bullets"} {
		items, ok := narrative[key].([]interface{})
		if !ok {
			return validationErrorf("narrative.%s must be array", key)
		}
		if len(items) > 5 {
			return validationErrorf("narrative.%s must have <= 5 items", key)
		}
		if len(items) > 0 {
			anyBullets = true
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return validationErrorf("narrative.%s items must be strings", key)
			}
			if strings.Contains(s, "\n") {
				return validationErrorf("narrative.%s bullets must be single-line", key)
			}
			if len(s) > 160 {
				return validationErrorf("narrative.%s bullets must be <= 160 chars", key)
			}
		}
	}

	risks, ok := aiOutput["risks"].([]interface{})
	if !ok {
		return validationErrorf("risks must be array")
	}
	if len(risks) > 8 {
		return validationErrorf("risks must have <= 8 items")
	}
	var riskTexts []string
	for _, r := range risks {
		rm, ok := r.(map[string]interface{})
		if !ok {
			return validationErrorf("risk must be object")
		}
		if s, _ := rm["risk_type"].(string); s == "" {
			return validationErrorf("risk.risk_type must be non-empty string")
		}
		if sev, _ := rm["severity"].(string); !allowedSeverity[sev] {
			return validationErrorf("risk.severity must be low/medium/high")
		}
		text, _ := rm["text"].(string)
		if text == "" {
			return validationErrorf("risk.text must be non-empty string")
		}
		if strings.Contains(text, "\n") {
			return validationErrorf("risk.text must be single-line")
		}
		riskTexts = append(riskTexts, text)
	}

	flags, ok := aiOutput["flags"].([]interface{})
	if !ok {
		return validationErrorf("flags must be array")
	}
	if len(flags) > 12 {
		return validationErrorf("flags must have <= 12 items")
	}
	for _, f := range flags {
		if s, _ := f.(string); s == "" {
			return validationErrorf("flags items must be non-empty strings")
		}
	}

	citations, ok := aiOutput["field_citations"].([]interface{})
	if !ok {
		return validationErrorf("field_citations must be array")
	}
	if len(citations) > 40 {
		return validationErrorf("field_citations must have <= 40 items")
	}
	claimSet := map[string]bool{}
	for _, c := range citations {
		cm, ok := c.(map[string]interface{})
		if !ok {
			return validationErrorf("field_citations item must be object")
		}
		claim, _ := cm["claim"].(string)
		if claim == "" {
			return validationErrorf("field_citations.claim must be non-empty string")
		}
		claimSet[claim] = true
		paths, ok := cm["input_paths"].([]interface{})
		if !ok || len(paths) == 0 {
			return validationErrorf("field_citations.input_paths must be non-empty array")
		}
		for _, p := range paths {
			ps, ok := p.(string)
			if !ok || !strings.HasPrefix(ps, "$.") {
				return validationErrorf("input_paths entries must be strings starting with '$.'")
			}
			if !jsonPathExists(aiInput, ps) {
				return validationErrorf("input_paths references missing path in ai_input: %s", ps)
			}
		}
	}

	buyStatus, _ := asMap(verdict["buy_signal"])["status"].(string)
	sellStatus, _ := asMap(verdict["sell_signal"])["status"].(string)
	anyApplicable := buyStatus == "applicable" || sellStatus == "applicable"
	if (anyApplicable || len(risks) > 0 || anyBullets) && len(citations) == 0 {
		return validationErrorf("field_citations must be non-empty when providing any analysis")
	}

	for _, rt := range riskTexts {
		if !claimSet[rt] {
			return validationErrorf("each risk.text must appear as a field_citations.claim")
		}
	}

	return validateBaselineDeltas(aiOutput, aiInput)
}

func validateSignal(sig interface{}, expectedApplicable bool, side string) error {
	sm, ok := sig.(map[string]interface{})
	if !ok {
		return validationErrorf("%s_signal must be object", side)
	}
	for _, k := range []string{"status", "rating", "confidence", "horizon_days", "summary"} {
		if _, ok := sm[k]; !ok {
			return validationErrorf("%s_signal missing key %s", side, k)
		}
	}

	status, _ := sm["status"].(string)
	if !allowedStatus[status] {
		return validationErrorf("%s_signal.status must be one of applicable/insufficient_data/not_applicable", side)
	}
	if !expectedApplicable && status != "not_applicable" {
		return validationErrorf("%s_signal.status must be not_applicable when no %s activity", side, side)
	}

	if status != "applicable" {
		for _, k := range []string{"rating", "confidence", "horizon_days", "summary"} {
			if sm[k] != nil {
				return validationErrorf("%s_signal.%s must be null when status != applicable", side, k)
			}
		}
		return nil
	}

	rating := asFloat(sm["rating"])
	if rating == nil {
		return validationErrorf("%s_signal.rating must be number", side)
	}
	if *rating < 1.0 || *rating > 10.0 {
		return validationErrorf("%s_signal.rating must be within [1.0,10.0]", side)
	}
	if math.Round(*rating*10)/10 != *rating {
		return validationErrorf("%s_signal.rating must have 1 decimal place", side)
	}

	conf := asFloat(sm["confidence"])
	if conf == nil {
		return validationErrorf("%s_signal.confidence must be number", side)
	}
	if *conf < 0.0 || *conf > 1.0 {
		return validationErrorf("%s_signal.confidence must be within [0,1]", side)
	}

	horizon := asFloat(sm["horizon_days"])
	if horizon == nil || (*horizon != 60 && *horizon != 180) {
		return validationErrorf("%s_signal.horizon_days must be 60 or 180", side)
	}

	if s, _ := sm["summary"].(string); s == "" {
		return validationErrorf("%s_signal.summary must be non-empty string", side)
	}
	return nil
}

func validateBaselineDeltas(aiOutput, aiInput map[string]interface{}) error {
	baseline, ok := aiInput["baseline"].(map[string]interface{})
	if !ok {
		return nil
	}
	verdict := asMap(aiOutput["verdict"])

	for _, side := range []string{"buy", "sell"} {
		base, ok := baseline[side].(map[string]interface{})
		if !ok {
			continue
		}
		sig, ok := verdict[side+"_signal"].(map[string]interface{})
		if !ok {
			continue
		}
		if status, _ := sig["status"].(string); status != "applicable" {
			continue
		}

		baseRating := asFloat(base["rating"])
		baseConf := asFloat(base["confidence"])
		if baseRating == nil || baseConf == nil {
			continue
		}

		if r := asFloat(sig["rating"]); r != nil && math.Abs(*r-*baseRating) > MaxRatingDelta+1e-9 {
			return validationErrorf(
				"%s_signal.rating deviates from baseline by > %.1f: rating=%v baseline=%v",
				side, MaxRatingDelta, *r, *baseRating)
		}
		if c := asFloat(sig["confidence"]); c != nil && math.Abs(*c-*baseConf) > MaxConfDelta+1e-9 {
			return validationErrorf(
				"%s_signal.confidence deviates from baseline by > %.2f: confidence=%v baseline=%v",
				side, MaxConfDelta, *c, *baseConf)
		}
	}
	return nil
}

// jsonPathExists resolves a simplified JSONPath like $.a.b[0].c against the
// decoded input. "$" alone means the root.
func jsonPathExists(obj interface{}, path string) bool {
	steps, err := parseJSONPath(path)
	if err != nil {
		return false
	}
	cur := obj
	for _, step := range steps {
		if step.isIndex {
			arr, ok := cur.([]interface{})
			if !ok || step.index < 0 || step.index >= len(arr) {
				return false
			}
			cur = arr[step.index]
		} else {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return false
			}
			v, ok := m[step.key]
			if !ok {
				return false
			}
			cur = v
		}
	}
	return true
}

type pathStep struct {
	key     string
	index   int
	isIndex bool
}

func parseJSONPath(path string) ([]pathStep, error) {
	p := strings.TrimSpace(path)
	if p == "$" {
		return nil, nil
	}
	if !strings.HasPrefix(p, "$") {
		return nil, fmt.Errorf("invalid JSONPath (must start with $): %s", path)
	}
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")

	var steps []pathStep
	i := 0
	for i < len(p) {
		switch p[i] {
		case '.':
			i++
		case '[':
			j := strings.Index(p[i:], "]")
			if j == -1 {
				return nil, fmt.Errorf("invalid JSONPath (missing ]): %s", path)
			}
			idxStr := strings.TrimSpace(p[i+1 : i+j])
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid JSONPath (non-numeric index): %s", path)
			}
			steps = append(steps, pathStep{index: idx, isIndex: true})
			i += j + 1
		default:
			j := i
			for j < len(p) && p[j] != '.' && p[j] != '[' {
				j++
			}
			key := strings.TrimSpace(p[i:j])
			if key == "" {
				return nil, fmt.Errorf("invalid JSONPath (empty key): %s", path)
			}
			steps = append(steps, pathStep{key: key})
			i = j
		}
	}
	return steps, nil
}
