package sec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/identity"
	"github.com/aristath/insiderscope/internal/queue"
)

// FetchResult is the outcome of the network-bound half of ingestion.
type FetchResult struct {
	AccessionNumber string
	IssuerCIK       string
	FilingDate      string
	FormType        string
	SourceURL       string
	FetchedAt       string
}

// IngestResult is the outcome of parsing a stored filing document.
type IngestResult struct {
	IssuerCIK       string
	Ticker          string
	AccessionNumber string
	FormType        string
	FilingDate      string
	SourceURL       string
	EventKeys       []domain.EventKey
}

// FetchOptions carries the hints a backfill discovery already resolved, so
// fetching can skip the extra submissions request.
type FetchOptions struct {
	IssuerCIKHint  string
	FilingDateHint string
	FormTypeHint   string
	Force          bool
}

// FetchAccessionDocument downloads the ownershipDocument for an accession
// and stores it in filing_documents. Idempotent: an already-fetched
// accession short-circuits unless Force is set.
func FetchAccessionDocument(ctx context.Context, tx queue.DBTX, client *Client, accession string, opts FetchOptions) (FetchResult, error) {
	acc := strings.TrimSpace(accession)
	if acc == "" {
		return FetchResult{}, fmt.Errorf("accession_number is blank")
	}

	if !opts.Force {
		var existing FetchResult
		var issuerCIK, filingDate, formType, sourceURL, fetchedAt sql.NullString
		err := tx.QueryRow(`
			SELECT issuer_cik, filing_date, form_type, source_url, fetched_at
			FROM filing_documents WHERE accession_number=?`, acc,
		).Scan(&issuerCIK, &filingDate, &formType, &sourceURL, &fetchedAt)
		if err != nil && err != sql.ErrNoRows {
			return FetchResult{}, fmt.Errorf("failed to check filing_documents: %w", err)
		}
		if err == nil && fetchedAt.String != "" {
			existing = FetchResult{
				AccessionNumber: acc,
				IssuerCIK:       issuerCIK.String,
				FilingDate:      filingDate.String,
				FormType:        formType.String,
				SourceURL:       sourceURL.String,
				FetchedAt:       fetchedAt.String,
			}
			return existing, nil
		}
	}

	issuerCIK := ""
	filingDate := opts.FilingDateHint
	formType := opts.FormTypeHint

	// Backfill discovery usually supplies the hints; only hit the submissions
	// endpoint when something is missing.
	if filingDate == "" || formType == "" || opts.IssuerCIKHint == "" {
		meta, err := client.FetchFilingMetadata(ctx, acc, opts.IssuerCIKHint)
		if err != nil {
			return FetchResult{}, err
		}
		issuerCIK = meta.IssuerCIK
		if filingDate == "" {
			filingDate = meta.FilingDate
		}
		if formType == "" {
			formType = meta.FormType
		}
	} else {
		issuerCIK = onlyDigitsPadded(opts.IssuerCIKHint)
	}

	xmlText, sourceURL, err := client.FetchForm4XML(ctx, acc, opts.IssuerCIKHint)
	if err != nil {
		return FetchResult{}, err
	}

	fetchedAt := domain.NowISO()

	_, err = tx.Exec(`
		INSERT INTO filing_documents (accession_number, issuer_cik, filing_date, form_type, source_url, xml_text, fetched_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(accession_number) DO UPDATE SET
			issuer_cik=COALESCE(excluded.issuer_cik, filing_documents.issuer_cik),
			filing_date=COALESCE(excluded.filing_date, filing_documents.filing_date),
			form_type=COALESCE(excluded.form_type, filing_documents.form_type),
			source_url=COALESCE(excluded.source_url, filing_documents.source_url),
			xml_text=excluded.xml_text,
			fetched_at=excluded.fetched_at`,
		acc, nullIfEmpty(issuerCIK), nullIfEmpty(filingDate), nullIfEmpty(formType), nullIfEmpty(sourceURL), xmlText, fetchedAt,
	)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to upsert filing_documents: %w", err)
	}

	if issuerCIK != "" {
		if _, err := tx.Exec(`
			UPDATE backfill_queue
			SET status='fetched', updated_at=?, last_error=NULL
			WHERE issuer_cik=? AND accession_number=? AND status IN ('pending','queued','error')`,
			fetchedAt, issuerCIK, acc,
		); err != nil {
			return FetchResult{}, fmt.Errorf("failed to update backfill_queue: %w", err)
		}
	}

	return FetchResult{
		AccessionNumber: acc,
		IssuerCIK:       issuerCIK,
		FilingDate:      filingDate,
		FormType:        formType,
		SourceURL:       sourceURL,
		FetchedAt:       fetchedAt,
	}, nil
}

// ParseAccessionDocument parses a previously fetched filing_documents row
// into filings + form4_rows_raw. No network access; safe on compute workers.
// Re-parsing replaces the accession's raw rows wholesale.
func ParseAccessionDocument(tx queue.DBTX, cfg *config.Config, accession string) (IngestResult, error) {
	acc := strings.TrimSpace(accession)
	if acc == "" {
		return IngestResult{}, fmt.Errorf("accession_number is blank")
	}

	var docIssuerCIK, docFilingDate, docFormType, docSourceURL, xmlText sql.NullString
	err := tx.QueryRow(`
		SELECT issuer_cik, filing_date, form_type, source_url, xml_text
		FROM filing_documents WHERE accession_number=?`, acc,
	).Scan(&docIssuerCIK, &docFilingDate, &docFormType, &docSourceURL, &xmlText)
	if err == sql.ErrNoRows || (err == nil && xmlText.String == "") {
		return IngestResult{}, fmt.Errorf("no filing_documents row for accession_number=%s, fetch it first", acc)
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to load filing_documents: %w", err)
	}

	parsed, err := ParseForm4XML(xmlText.String)
	if err != nil {
		return IngestResult{}, err
	}

	issuerCIK := onlyDigitsPadded(parsed.IssuerCIK)
	if issuerCIK == "" {
		issuerCIK = onlyDigitsPadded(docIssuerCIK.String)
	}
	if issuerCIK == "" {
		return IngestResult{}, fmt.Errorf("could not resolve issuer_cik for accession=%s", acc)
	}

	ticker := strings.TrimSpace(parsed.IssuerTradingSymbol)
	filingDate := docFilingDate.String
	formType := docFormType.String
	if formType == "" {
		formType = parsed.DocumentType
	}
	if formType == "" {
		formType = "4"
	}

	now := domain.NowISO()

	// last_filing_date keeps the max of old and new; filing dates are ISO so
	// lexical comparison works.
	_, err = tx.Exec(`
		INSERT INTO issuer_master (issuer_cik, current_ticker, ticker_updated_at, issuer_name, last_filing_date)
		VALUES (?,?,?,?,?)
		ON CONFLICT(issuer_cik) DO UPDATE SET
			current_ticker=COALESCE(excluded.current_ticker, issuer_master.current_ticker),
			ticker_updated_at=CASE
				WHEN excluded.current_ticker IS NOT NULL AND excluded.current_ticker <> '' THEN excluded.ticker_updated_at
				ELSE issuer_master.ticker_updated_at
			END,
			issuer_name=COALESCE(excluded.issuer_name, issuer_master.issuer_name),
			last_filing_date=CASE
				WHEN issuer_master.last_filing_date IS NULL THEN excluded.last_filing_date
				WHEN excluded.last_filing_date IS NULL THEN issuer_master.last_filing_date
				WHEN excluded.last_filing_date > issuer_master.last_filing_date THEN excluded.last_filing_date
				ELSE issuer_master.last_filing_date
			END`,
		issuerCIK, nullIfEmpty(ticker), now, nullIfEmpty(parsed.IssuerName), nullIfEmpty(filingDate),
	)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to upsert issuer_master: %w", err)
	}

	insertFilingDate := filingDate
	if insertFilingDate == "" {
		insertFilingDate = now[:10]
	}
	_, err = tx.Exec(`
		INSERT INTO filings (accession_number, issuer_cik, ticker_reported, form_type, filing_date, source_url, parse_version, ingested_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(accession_number) DO UPDATE SET
			issuer_cik=excluded.issuer_cik,
			ticker_reported=excluded.ticker_reported,
			form_type=excluded.form_type,
			filing_date=excluded.filing_date,
			source_url=excluded.source_url,
			parse_version=excluded.parse_version,
			ingested_at=excluded.ingested_at`,
		acc, issuerCIK, nullIfEmpty(ticker), formType, insertFilingDate, nullIfEmpty(docSourceURL.String), cfg.ParseVersion, now,
	)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to upsert filings: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM form4_rows_raw WHERE accession_number=?", acc); err != nil {
		return IngestResult{}, fmt.Errorf("failed to clear form4_rows_raw: %w", err)
	}

	type ownerRow struct {
		identity          identity.Owner
		isDirector        *bool
		isOfficer         *bool
		isTenPercentOwner *bool
		officerTitle      string
	}

	var owners []ownerRow
	if len(parsed.ReportingOwners) == 0 {
		// Rare: missing reportingOwner block. Keep the rows under a fixed
		// placeholder identity so the filing is still visible.
		owners = append(owners, ownerRow{identity: identity.BuildOwner("", "")})
	} else {
		for _, ro := range parsed.ReportingOwners {
			owners = append(owners, ownerRow{
				identity:          identity.BuildOwner(ro.OwnerCIK, ro.OwnerName),
				isDirector:        ro.IsDirector,
				isOfficer:         ro.IsOfficer,
				isTenPercentOwner: ro.IsTenPercentOwner,
				officerTitle:      ro.OfficerTitle,
			})
		}
	}

	var eventKeys []domain.EventKey
	for _, ro := range owners {
		eventKeys = append(eventKeys, domain.EventKey{
			IssuerCIK:       issuerCIK,
			OwnerKey:        ro.identity.OwnerKey,
			AccessionNumber: acc,
		})

		for _, txRow := range parsed.Transactions {
			var warnings []string
			if txRow.TransactionDate == "" {
				warnings = append(warnings, "missing_transaction_date")
			}

			var sharesAbs *float64
			if txRow.Shares != nil {
				v := math.Abs(*txRow.Shares)
				sharesAbs = &v
			}

			var price *float64
			if txRow.Price != "" {
				cleaned := strings.TrimSpace(strings.ReplaceAll(txRow.Price, ",", ""))
				if f, perr := strconv.ParseFloat(cleaned, 64); perr == nil {
					price = &f
				} else {
					warnings = append(warnings, "bad_price")
				}
			}

			rawPayload := map[string]interface{}{}
			for k, v := range txRow.RawPayload {
				rawPayload[k] = v
			}
			rawPayload["reporting_owner"] = map[string]interface{}{
				"owner_key":            ro.identity.OwnerKey,
				"owner_cik":            nullableStr(ro.identity.OwnerCIK),
				"owner_name_raw":       nullableStr(ro.identity.NameRaw),
				"owner_name_normalized": nullableStr(ro.identity.NameNormalized),
				"is_director":          nullableBool(ro.isDirector),
				"is_officer":           nullableBool(ro.isOfficer),
				"is_ten_percent_owner": nullableBool(ro.isTenPercentOwner),
				"officer_title":        nullableStr(ro.officerTitle),
				"is_entity_guess":      ro.identity.IsEntityNameGuess,
			}

			var warningsJSON interface{}
			if len(warnings) > 0 {
				b, _ := json.Marshal(warnings)
				warningsJSON = string(b)
			}
			payloadJSON, err := json.Marshal(rawPayload)
			if err != nil {
				return IngestResult{}, fmt.Errorf("failed to marshal raw payload: %w", err)
			}

			_, err = tx.Exec(`
				INSERT INTO form4_rows_raw (
					accession_number, issuer_cik,
					owner_key, owner_cik, owner_name_raw, owner_name_normalized, owner_name_hash,
					is_derivative, transaction_code, transaction_date,
					shares_raw, shares_abs, price_raw, price, shares_owned_following,
					parser_warnings_json, raw_payload_json
				) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				acc, issuerCIK,
				ro.identity.OwnerKey, nullIfEmpty(ro.identity.OwnerCIK), nullIfEmpty(ro.identity.NameRaw),
				nullIfEmpty(ro.identity.NameNormalized), nullIfEmpty(ro.identity.NameHash),
				boolToInt(txRow.IsDerivative), nullIfEmpty(txRow.TransactionCode), nullIfEmpty(txRow.TransactionDate),
				nullablePtr(txRow.Shares), nullablePtr(sharesAbs), nullIfEmpty(txRow.Price), nullablePtr(price),
				nullablePtr(txRow.SharesOwnedFollowing),
				warningsJSON, string(payloadJSON),
			)
			if err != nil {
				return IngestResult{}, fmt.Errorf("failed to insert form4_rows_raw: %w", err)
			}
		}
	}

	if _, err := tx.Exec(`
		UPDATE backfill_queue
		SET status='parsed', updated_at=?, last_error=NULL
		WHERE issuer_cik=? AND accession_number=?`,
		now, issuerCIK, acc,
	); err != nil {
		return IngestResult{}, fmt.Errorf("failed to update backfill_queue: %w", err)
	}

	return IngestResult{
		IssuerCIK:       issuerCIK,
		Ticker:          ticker,
		AccessionNumber: acc,
		FormType:        formType,
		FilingDate:      filingDate,
		SourceURL:       docSourceURL.String,
		EventKeys:       eventKeys,
	}, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

func nullablePtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
