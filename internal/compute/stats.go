package compute

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// ComputeStatsForOwnerIssuer recomputes an insider's per-issuer track record
// from event_outcomes. Win rates and averages are computed on excess returns,
// so they represent outperformance vs the benchmark rather than raw moves.
func ComputeStatsForOwnerIssuer(tx queue.DBTX, cfg *config.Config, key domain.OwnerIssuerKey) error {
	now := domain.NowISO()

	for _, side := range []string{"buy", "sell"} {
		r60, err := loadExcessReturns(tx, key, side, "excess_return_60d")
		if err != nil {
			return err
		}
		r180, err := loadExcessReturns(tx, key, side, "excess_return_180d")
		if err != nil {
			return err
		}

		n60, win60, avg60 := summarizeReturns(r60)
		n180, win180, avg180 := summarizeReturns(r180)

		if _, err := tx.Exec(`
			INSERT INTO insider_issuer_stats (
				issuer_cik, owner_key, side,
				eligible_n_60d, win_rate_60d, avg_return_60d,
				eligible_n_180d, win_rate_180d, avg_return_180d,
				stats_version, computed_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(issuer_cik, owner_key, side) DO UPDATE SET
				eligible_n_60d=excluded.eligible_n_60d,
				win_rate_60d=excluded.win_rate_60d,
				avg_return_60d=excluded.avg_return_60d,
				eligible_n_180d=excluded.eligible_n_180d,
				win_rate_180d=excluded.win_rate_180d,
				avg_return_180d=excluded.avg_return_180d,
				stats_version=excluded.stats_version,
				computed_at=excluded.computed_at`,
			key.IssuerCIK, key.OwnerKey, side,
			n60, win60, avg60,
			n180, win180, avg180,
			cfg.StatsVersion, now,
		); err != nil {
			return fmt.Errorf("failed to upsert stats for issuer=%s owner=%s side=%s: %w",
				key.IssuerCIK, key.OwnerKey, side, err)
		}
	}

	// Stamp the owner's events so AI gating can see stats are current.
	if _, err := tx.Exec(`
		UPDATE insider_events SET stats_computed_at=?
		WHERE issuer_cik=? AND owner_key=?`,
		now, key.IssuerCIK, key.OwnerKey,
	); err != nil {
		return fmt.Errorf("failed to stamp stats timestamp: %w", err)
	}
	return nil
}

func loadExcessReturns(tx queue.DBTX, key domain.OwnerIssuerKey, side, column string) ([]float64, error) {
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT %s FROM event_outcomes
		WHERE issuer_cik=? AND owner_key=? AND side=? AND %s IS NOT NULL`, column, column),
		key.IssuerCIK, key.OwnerKey, side,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", column, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", column, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// summarizeReturns returns the sample size, the win rate (share of returns
// above zero), and the mean. Rates are NULL when no eligible returns exist.
func summarizeReturns(returns []float64) (int, interface{}, interface{}) {
	n := len(returns)
	if n == 0 {
		return 0, nil, nil
	}
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	return n, float64(wins) / float64(n), stat.Mean(returns, nil)
}
