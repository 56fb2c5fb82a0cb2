package sec

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// IsForm4 reports whether an EDGAR form type is a Form 4 variant.
func IsForm4(form string) bool {
	f := strings.ToUpper(strings.TrimSpace(form))
	return f == "4" || f == "4/A" || strings.HasPrefix(f, "4 ")
}

// DiscoverForm4Accessions walks the issuer's submissions JSON (recent block
// plus historical file blocks) and inserts new Form 4 accessions into
// backfill_queue. It performs SEC requests but enqueues no fetch jobs; the
// batch job does that in controlled chunks. Returns the number of rows
// inserted or refreshed.
func DiscoverForm4Accessions(ctx context.Context, tx queue.DBTX, client *Client, issuerCIK string, startYear int) (int, error) {
	cik10 := onlyDigitsPadded(issuerCIK)
	if cik10 == "" {
		return 0, fmt.Errorf("issuer_cik is blank")
	}
	startDate := fmt.Sprintf("%04d-01-01", startYear)

	existing := map[string]bool{}
	rows, err := tx.Query("SELECT accession_number FROM filings WHERE issuer_cik=?", cik10)
	if err != nil {
		return 0, fmt.Errorf("failed to load existing filings: %w", err)
	}
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan filing row: %w", err)
		}
		existing[acc] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := domain.NowISO()
	inserted := 0

	insertBlock := func(recent recentBlock) error {
		for i, rawAcc := range recent.AccessionNumber {
			acc := strings.TrimSpace(rawAcc)
			if acc == "" || existing[acc] {
				continue
			}
			var form, date string
			if i < len(recent.Form) {
				form = strings.TrimSpace(recent.Form[i])
			}
			if i < len(recent.FilingDate) {
				date = strings.TrimSpace(recent.FilingDate[i])
			}
			if date != "" && date < startDate {
				continue
			}
			if !IsForm4(form) {
				continue
			}

			// Never downgrade a row that is already fetched/parsed.
			if _, err := tx.Exec(`
				INSERT INTO backfill_queue (issuer_cik, accession_number, filing_date, form_type, status, last_error, created_at, updated_at)
				VALUES (?,?,?,?, 'pending', NULL, ?, ?)
				ON CONFLICT(issuer_cik, accession_number) DO UPDATE SET
					filing_date=COALESCE(backfill_queue.filing_date, excluded.filing_date),
					form_type=COALESCE(backfill_queue.form_type, excluded.form_type),
					updated_at=excluded.updated_at`,
				cik10, acc, nullIfEmpty(date), nullIfEmpty(form), now, now,
			); err != nil {
				return fmt.Errorf("failed to upsert backfill_queue: %w", err)
			}
			inserted++
		}
		return nil
	}

	var data submissionsDoc
	url := fmt.Sprintf("https://data.sec.gov/submissions/CIK%s.json", cik10)
	if err := client.getJSON(ctx, url, &data); err != nil {
		return 0, err
	}
	if err := insertBlock(data.Filings.Recent); err != nil {
		return 0, err
	}

	for _, f := range data.Filings.Files {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		// filingTo lets us skip blocks entirely before the start date.
		if to := strings.TrimSpace(f.FilingTo); to != "" && to < startDate {
			continue
		}

		var block submissionsDoc
		if err := client.getJSON(ctx, "https://data.sec.gov/submissions/"+name, &block); err != nil {
			client.logger.Warn().Err(err).Str("block", name).Msg("skipping filings block")
			continue
		}
		if err := insertBlock(block.Filings.Recent); err != nil {
			return 0, err
		}
	}

	client.logger.Info().
		Str("issuer_cik", cik10).
		Int("start_year", startYear).
		Int("inserted", inserted).
		Msg("backfill discovery complete")

	return inserted, nil
}
