package sec

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// archivePair is one (issuer CIK, accession) reference found in the feed.
type archivePair struct {
	IssuerCIK string
	Accession string
}

// PollResult summarizes one poller pass.
type PollResult struct {
	TrackedIssuers int    `json:"tracked_issuers"`
	FeedEntries    int    `json:"feed_entries"`
	Enqueued       int    `json:"enqueued"`
	Note           string `json:"note,omitempty"`
}

var (
	archivesLink     = regexp.MustCompile(`/Archives/edgar/data/(\d+)/(\d{18})/`)
	archivesLinkBare = regexp.MustCompile(`/Archives/edgar/data/(\d+)/(\d{18})\b`)
)

// extractArchivePairs pulls (cik, accession) pairs out of the current-feed
// body. Links look like /Archives/edgar/data/{cik}/{accession_nodash}/ with
// the CIK unpadded and the accession as 18 digits.
func extractArchivePairs(text string) []archivePair {
	var pairs []archivePair
	collect := func(re *regexp.Regexp) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			cik, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			nd := m[2]
			pairs = append(pairs, archivePair{
				IssuerCIK: fmt.Sprintf("%010d", cik),
				Accession: nd[:10] + "-" + nd[10:12] + "-" + nd[12:],
			})
		}
	}
	collect(archivesLink)
	collect(archivesLinkBare) // some links omit the trailing slash

	seen := map[archivePair]bool{}
	out := pairs[:0]
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Poller watches the SEC "current" Form 4 feed and enqueues fetch jobs for
// tracked issuers. Tracked means present in issuer_master with a ticker, so
// the poller stays scoped to the imported universe.
type Poller struct {
	client *Client
	cfg    *config.Config
	feed   *gofeed.Parser
	logger zerolog.Logger
}

func NewPoller(client *Client, cfg *config.Config, logger zerolog.Logger) *Poller {
	fp := gofeed.NewParser()
	fp.UserAgent = cfg.SECUserAgent
	return &Poller{
		client: client,
		cfg:    cfg,
		feed:   fp,
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// Poll runs one poller pass. Filings already present in the filings table
// are skipped; everything enqueued here is new by definition, so these are
// the only ingests that request AI generation.
func (p *Poller) Poll(ctx context.Context, tx queue.DBTX) (PollResult, error) {
	tracked := map[string]bool{}
	rows, err := tx.Query(`
		SELECT issuer_cik FROM issuer_master
		WHERE current_ticker IS NOT NULL AND current_ticker <> ''`)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to load tracked issuers: %w", err)
	}
	for rows.Next() {
		var cik string
		if err := rows.Scan(&cik); err != nil {
			rows.Close()
			return PollResult{}, fmt.Errorf("failed to scan tracked issuer: %w", err)
		}
		tracked[cik] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PollResult{}, err
	}

	if len(tracked) == 0 {
		return PollResult{Note: "no_tracked_issuers"}, nil
	}

	feedURL := p.cfg.Form4PollerFeedURL
	if feedURL == "" {
		return PollResult{}, fmt.Errorf("FORM4_POLLER_FEED_URL is not set")
	}

	body, err := p.client.get(ctx, feedURL)
	if err != nil {
		return PollResult{}, err
	}
	text := string(body)

	// The feed is Atom; parse it for the entry links, but also regex the raw
	// body so HTML fallbacks and entry summaries still yield pairs.
	if parsed, perr := p.feed.ParseString(text); perr == nil {
		var sb strings.Builder
		sb.WriteString(text)
		for _, item := range parsed.Items {
			sb.WriteString("\n")
			sb.WriteString(item.Link)
		}
		text = sb.String()
	}

	pairs := extractArchivePairs(text)

	enqueued := 0
	for _, pair := range pairs {
		if !tracked[pair.IssuerCIK] {
			continue
		}

		var one int
		err := tx.QueryRow("SELECT 1 FROM filings WHERE accession_number=? LIMIT 1", pair.Accession).Scan(&one)
		if err == nil {
			continue // already ingested
		}
		if err != sql.ErrNoRows {
			return PollResult{}, fmt.Errorf("failed to check filings: %w", err)
		}

		if err := queue.Enqueue(tx, queue.JobTypeFetchAccessionDocs, "FETCH|"+pair.Accession,
			map[string]interface{}{
				"accession_number": pair.Accession,
				"issuer_cik_hint":  pair.IssuerCIK,
				"ingest_source":    "poller",
				"ai_requested":     true,
			},
			// Ahead of historical backfills, behind nothing user-facing.
			queue.EnqueueOptions{Priority: 100},
		); err != nil {
			return PollResult{}, err
		}
		enqueued++
	}

	if _, err := tx.Exec(`
		INSERT INTO app_config (key, value, updated_at) VALUES ('form4_poller_last_run_utc', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		domain.NowISO(), domain.NowISO(),
	); err != nil {
		return PollResult{}, fmt.Errorf("failed to record poller run: %w", err)
	}

	res := PollResult{
		TrackedIssuers: len(tracked),
		FeedEntries:    len(pairs),
		Enqueued:       enqueued,
	}
	p.logger.Info().
		Int("tracked", res.TrackedIssuers).
		Int("seen", res.FeedEntries).
		Int("enqueued", res.Enqueued).
		Msg("poll complete")
	return res, nil
}
