package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// Judge runs the model over fully computed events and persists validated
// verdicts.
type Judge struct {
	cfg *config.Config
	gen Generator
	log zerolog.Logger
}

func NewJudge(cfg *config.Config, gen Generator, logger zerolog.Logger) *Judge {
	return &Judge{
		cfg: cfg,
		gen: gen,
		log: logger.With().Str("component", "ai").Logger(),
	}
}

// RunForEvent judges a single event with the model and persists the result.
// Re-runs with an unchanged canonical input are skipped unless force is set.
func (j *Judge) RunForEvent(ctx context.Context, tx queue.DBTX, ek domain.EventKey, force bool) error {
	cfg := j.cfg
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}

	aiInput, err := BuildAIInput(tx, cfg, ek)
	if err != nil {
		return err
	}
	inputsHash, err := InputsHash(aiInput)
	if err != nil {
		return err
	}

	if !force {
		var existing int64
		err := tx.QueryRow(`
			SELECT ai_output_id FROM ai_outputs
			WHERE issuer_cik=? AND owner_key=? AND accession_number=?
			  AND inputs_hash=? AND prompt_version=?
			ORDER BY ai_output_id DESC LIMIT 1`,
			ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, inputsHash, cfg.PromptVersion,
		).Scan(&existing)
		if err == nil {
			j.log.Debug().Str("event", ek.String()).Msg("Skipping AI judging, same inputs already judged")
			return nil
		}
	}

	prompt, err := BuildPrompt(aiInput)
	if err != nil {
		return err
	}

	j.log.Info().Str("event", ek.String()).Str("inputs_hash", inputsHash[:12]).Msg("Running AI judging")

	rawText, err := j.gen.GenerateJSON(ctx, prompt, float32(cfg.AITemperature), int32(cfg.AIMaxTokens))
	if err != nil {
		return fmt.Errorf("model call failed: %w", err)
	}

	aiOutput, parseErr := ExtractJSON(rawText)
	if parseErr != nil {
		// One repair attempt even for parse failures: the model sometimes
		// emits prose or near-JSON despite the response MIME type.
		j.log.Warn().Err(parseErr).Str("event", ek.String()).Msg("AI output parse failed, attempting repair")
		aiOutput, rawText, err = j.repairOutput(ctx, aiInput, rawText, parseErr.Error())
		if err != nil {
			return err
		}
	} else if valErr := ValidateOutput(aiOutput, aiInput); valErr != nil {
		j.log.Warn().Err(valErr).Str("event", ek.String()).Msg("AI output failed validation, attempting repair")
		aiOutput, rawText, err = j.repairOutput(ctx, aiInput, rawText, valErr.Error())
		if err != nil {
			return err
		}
	}

	return j.persistOutput(tx, ek, aiInput, aiOutput, inputsHash)
}

// repairOutput asks the model once, at temperature zero, to fix its previous
// output. The repaired text must parse and validate or the run fails.
func (j *Judge) repairOutput(
	ctx context.Context,
	aiInput map[string]interface{},
	rawText, errorMsg string,
) (map[string]interface{}, string, error) {
	repairPrompt, err := buildRepairPrompt(aiInput, rawText, errorMsg)
	if err != nil {
		return nil, "", err
	}

	maxTokens := j.cfg.AIMaxTokens
	if maxTokens < 2048 {
		maxTokens = 2048
	}
	repairedText, err := j.gen.GenerateJSON(ctx, repairPrompt, 0, int32(maxTokens))
	if err != nil {
		return nil, "", fmt.Errorf("repair call failed: %w", err)
	}

	aiOutput, parseErr := ExtractJSON(repairedText)
	if parseErr != nil {
		return nil, "", fmt.Errorf("failed to parse repaired output: %w", parseErr)
	}
	if err := ValidateOutput(aiOutput, aiInput); err != nil {
		return nil, "", err
	}
	return aiOutput, repairedText, nil
}

func (j *Judge) persistOutput(
	tx queue.DBTX,
	ek domain.EventKey,
	aiInput, aiOutput map[string]interface{},
	inputsHash string,
) error {
	cfg := j.cfg
	verdict := asMap(aiOutput["verdict"])
	buySignal := asMap(verdict["buy_signal"])
	sellSignal := asMap(verdict["sell_signal"])

	var buyRating, sellRating, confidence interface{}
	if r := asFloat(buySignal["rating"]); r != nil {
		buyRating = *r
	}
	if r := asFloat(sellSignal["rating"]); r != nil {
		sellRating = *r
	}
	// A single denormalized confidence: the stronger of the two sides.
	confBuy := asFloat(buySignal["confidence"])
	confSell := asFloat(sellSignal["confidence"])
	switch {
	case confBuy != nil && confSell != nil:
		c := *confBuy
		if *confSell > c {
			c = *confSell
		}
		confidence = c
	case confBuy != nil:
		confidence = *confBuy
	case confSell != nil:
		confidence = *confSell
	}

	generatedAt, _ := aiOutput["generated_at_utc"].(string)

	inputJSON, err := MarshalCanonical(aiInput)
	if err != nil {
		return err
	}
	outputJSON, err := MarshalCanonical(aiOutput)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO ai_outputs (
			issuer_cik, owner_key, accession_number,
			model_id, prompt_version,
			input_schema_version, output_schema_version,
			inputs_hash, buy_rating, sell_rating, confidence,
			input_json, output_json, generated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
		cfg.GeminiModel, cfg.PromptVersion,
		cfg.AIInputVersion, cfg.AIOutputVersion,
		inputsHash, buyRating, sellRating, confidence,
		inputJSON, outputJSON, generatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ai output: %w", err)
	}

	// Denormalize onto insider_events so list endpoints avoid a join.
	_, err = tx.Exec(`
		UPDATE insider_events
		SET ai_buy_rating=?, ai_sell_rating=?, ai_confidence=?,
		    ai_model_id=?, ai_prompt_version=?, ai_generated_at=?, ai_computed_at=?
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		buyRating, sellRating, confidence,
		cfg.GeminiModel, cfg.PromptVersion, generatedAt, domain.NowISO(),
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to denormalize ai output: %w", err)
	}

	j.log.Info().Str("event", ek.String()).Msg("Stored AI output")
	return nil
}
