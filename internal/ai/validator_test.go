package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validatorInput() map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"issuer_cik":       "0000320193",
			"owner_key":        "cik:0000000001",
			"accession_number": "acc-1",
			"buy": map[string]interface{}{
				"has_buy": true,
				"shares":  100.0,
				"dollars": 50000.0,
			},
			"sell": map[string]interface{}{"has_sell": false},
		},
		"trend_context": map[string]interface{}{
			"pre_returns": map[string]interface{}{"ret_60d": -0.2},
		},
		"issuer_context": map[string]interface{}{
			"news": []interface{}{
				map[string]interface{}{"title": "Quarterly results"},
			},
		},
		"baseline": map[string]interface{}{
			"buy":  map[string]interface{}{"rating": 6.5, "confidence": 0.5},
			"sell": map[string]interface{}{"rating": nil, "confidence": nil},
		},
	}
}

func validatorOutput() map[string]interface{} {
	return map[string]interface{}{
		"schema_version":   "ai_output_v1",
		"model_id":         "gemini-test",
		"prompt_version":   "prompt_ai_v4",
		"generated_at_utc": "2026-08-26T00:00:00Z",
		"event_key": map[string]interface{}{
			"issuer_cik":       "0000320193",
			"owner_key":        "cik:0000000001",
			"accession_number": "acc-1",
		},
		"verdict": map[string]interface{}{
			"buy_signal": map[string]interface{}{
				"status":       "applicable",
				"rating":       7.5,
				"confidence":   0.6,
				"horizon_days": 60.0,
				"summary":      "Meaningful open-market buy after a decline.",
			},
			"sell_signal": map[string]interface{}{
				"status": "not_applicable", "rating": nil, "confidence": nil,
				"horizon_days": nil, "summary": nil,
			},
		},
		"narrative": map[string]interface{}{
			"thesis_bullets":        []interface{}{"Buy after 60d decline"},
			"context_bullets":       []interface{}{},
			"counterpoints_bullets": []interface{}{},
		},
		"risks": []interface{}{
			map[string]interface{}{
				"risk_type": "single_insider",
				"severity":  "medium",
				"text":      "Only one insider bought",
			},
		},
		"flags": []interface{}{"post_decline_buy"},
		"field_citations": []interface{}{
			map[string]interface{}{
				"claim":       "Buy after 60d decline",
				"input_paths": []interface{}{"$.event.buy.shares", "$.trend_context.pre_returns.ret_60d"},
			},
			map[string]interface{}{
				"claim":       "Only one insider bought",
				"input_paths": []interface{}{"$.event.buy.dollars"},
			},
		},
	}
}

func TestValidateOutputAccepts(t *testing.T) {
	require.NoError(t, ValidateOutput(validatorOutput(), validatorInput()))
}

func TestValidateOutputRejectsUnknownTopKey(t *testing.T) {
	out := validatorOutput()
	out["extra_stuff"] = 1
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown top-level keys")
}

func TestValidateOutputRejectsMissingTopKey(t *testing.T) {
	out := validatorOutput()
	delete(out, "flags")
	require.Error(t, ValidateOutput(out, validatorInput()))
}

func TestValidateOutputRejectsWrongSchemaVersion(t *testing.T) {
	out := validatorOutput()
	out["schema_version"] = "ai_output_v0"
	require.Error(t, ValidateOutput(out, validatorInput()))
}

func TestValidateOutputRejectsEventKeyMismatch(t *testing.T) {
	out := validatorOutput()
	out["event_key"].(map[string]interface{})["accession_number"] = "acc-other"
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event identity")
}

func TestValidateOutputRejectsTwoDecimalRating(t *testing.T) {
	out := validatorOutput()
	out["verdict"].(map[string]interface{})["buy_signal"].(map[string]interface{})["rating"] = 7.55
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 decimal")
}

func TestValidateOutputRejectsInactiveSideMarkedApplicable(t *testing.T) {
	out := validatorOutput()
	out["verdict"].(map[string]interface{})["sell_signal"] = map[string]interface{}{
		"status": "applicable", "rating": 6.0, "confidence": 0.5,
		"horizon_days": 60.0, "summary": "sell",
	}
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_applicable")
}

func TestValidateOutputRejectsNonNullFieldsWhenNotApplicable(t *testing.T) {
	out := validatorOutput()
	out["verdict"].(map[string]interface{})["sell_signal"].(map[string]interface{})["rating"] = 5.0
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be null")
}

func TestValidateOutputRejectsBadHorizon(t *testing.T) {
	out := validatorOutput()
	out["verdict"].(map[string]interface{})["buy_signal"].(map[string]interface{})["horizon_days"] = 90.0
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "60 or 180")
}

func TestValidateOutputRejectsUnknownCitationPath(t *testing.T) {
	out := validatorOutput()
	cits := out["field_citations"].([]interface{})
	cits[0].(map[string]interface{})["input_paths"] = []interface{}{"$.event.buy.nonexistent"}
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing path")
}

func TestValidateOutputRequiresRiskTextAsClaim(t *testing.T) {
	out := validatorOutput()
	out["field_citations"] = out["field_citations"].([]interface{})[:1]
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk.text")
}

func TestValidateOutputRequiresCitationsWhenApplicable(t *testing.T) {
	out := validatorOutput()
	out["risks"] = []interface{}{}
	out["field_citations"] = []interface{}{}
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field_citations must be non-empty")
}

func TestValidateOutputEnforcesBaselineDeltas(t *testing.T) {
	out := validatorOutput()
	buySig := out["verdict"].(map[string]interface{})["buy_signal"].(map[string]interface{})

	// Baseline rating is 6.5; 9.5 is within +/-3.0, 9.6 is not.
	buySig["rating"] = 9.5
	require.NoError(t, ValidateOutput(out, validatorInput()))

	buySig["rating"] = 9.6
	err := ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deviates from baseline")

	buySig["rating"] = 7.5
	buySig["confidence"] = 0.9
	err = ValidateOutput(out, validatorInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence deviates")
}

func TestExtractJSONStrategies(t *testing.T) {
	pure := `{"a": 1}`
	obj, err := ExtractJSON(pure)
	require.NoError(t, err)
	assert.Equal(t, 1.0, obj["a"])

	fenced := "```json\n{\"a\": 2}\n```"
	obj, err = ExtractJSON(fenced)
	require.NoError(t, err)
	assert.Equal(t, 2.0, obj["a"])

	prose := "Here is the verdict:\n{\"a\": 3}\nHope that helps!"
	obj, err = ExtractJSON(prose)
	require.NoError(t, err)
	assert.Equal(t, 3.0, obj["a"])

	// Trailing comma needs the repair pass.
	sloppy := `{"a": 4,}`
	obj, err = ExtractJSON(sloppy)
	require.NoError(t, err)
	assert.Equal(t, 4.0, obj["a"])

	_, err = ExtractJSON("no json here at all")
	require.Error(t, err)

	_, err = ExtractJSON("   ")
	require.Error(t, err)
}

func TestJSONPathExists(t *testing.T) {
	obj := map[string]interface{}{
		"event": map[string]interface{}{
			"buy": map[string]interface{}{"shares": 100.0},
		},
		"issuer_context": map[string]interface{}{
			"news": []interface{}{
				map[string]interface{}{"title": "x"},
			},
		},
	}

	assert.True(t, jsonPathExists(obj, "$"))
	assert.True(t, jsonPathExists(obj, "$.event.buy.shares"))
	assert.True(t, jsonPathExists(obj, "$.issuer_context.news[0].title"))
	assert.False(t, jsonPathExists(obj, "$.issuer_context.news[1]"))
	assert.False(t, jsonPathExists(obj, "$.event.sell"))
	assert.False(t, jsonPathExists(obj, "event.buy"))
	assert.False(t, jsonPathExists(obj, "$.event.buy.shares[0]"))
}
