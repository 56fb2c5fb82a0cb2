package compute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/clients/eodhd"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// FetchAndStoreNews caches recent headlines with sentiment for a ticker.
// A fetch within NEWS_MAX_AGE_HOURS short-circuits; otherwise the last 30
// days are pulled and upserted on (ticker, url).
func FetchAndStoreNews(ctx context.Context, tx queue.DBTX, client *eodhd.Client, cfg *config.Config, ticker string) error {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" {
		return fmt.Errorf("ticker is blank")
	}

	var lastFetch sql.NullString
	err := tx.QueryRow("SELECT MAX(fetched_at) FROM issuer_news WHERE ticker=?", t).Scan(&lastFetch)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check news cache: %w", err)
	}
	if lastFetch.String != "" && !isStale(lastFetch.String, time.Duration(cfg.NewsMaxAgeHours)*time.Hour) {
		return nil
	}

	symbol, err := client.ResolveSymbol(ctx, t)
	if err != nil {
		return err
	}

	nowUTC := time.Now().UTC()
	items, err := client.FetchNews(ctx, eodhd.NewsQuery{
		Symbol:   symbol,
		Limit:    50,
		DateFrom: nowUTC.AddDate(0, 0, -30).Format("2006-01-02"),
		DateTo:   nowUTC.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}

	fetchedAt := domain.NowISO()
	for _, it := range items {
		url := strings.TrimSpace(it.Link)
		if url == "" {
			continue
		}

		var sentiment interface{}
		for _, k := range []string{"polarity", "score", "compound"} {
			if v, ok := it.Sentiment[k]; ok {
				if f, ok := v.(float64); ok {
					sentiment = f
				}
				break
			}
		}

		rawJSON, err := json.Marshal(it)
		if err != nil {
			continue
		}

		if _, err := tx.Exec(`
			INSERT INTO issuer_news (ticker, published_at, title, source, url, sentiment, summary, news_json, fetched_at)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(ticker, url) DO UPDATE SET
				published_at=excluded.published_at,
				title=excluded.title,
				source=excluded.source,
				sentiment=excluded.sentiment,
				summary=excluded.summary,
				news_json=excluded.news_json,
				fetched_at=excluded.fetched_at`,
			t, nullIfEmpty(strings.TrimSpace(it.Date)), nullIfEmpty(strings.TrimSpace(it.Title)),
			nil, url, sentiment, nullIfEmpty(strings.TrimSpace(it.Content)), string(rawJSON), fetchedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert news item: %w", err)
		}
	}
	return nil
}
