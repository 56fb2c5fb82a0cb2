package compute

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/identity"
	"github.com/aristath/insiderscope/internal/queue"
)

// clusterCandidate is one event side eligible for cluster detection.
type clusterCandidate struct {
	issuerCIK string
	ownerKey  string
	accession string
	tradeDate string
	dollars   float64
	isExec    bool
	pctChange *float64
}

// ComputeClustersForTicker rebuilds buy and sell cluster flags for every
// event of a ticker. Clusters are deterministic and non-overlapping: a
// left-to-right sweep anchors a 14 calendar day window on each unassigned
// candidate, and a window forms a cluster only when it contains at least two
// distinct filings.
func ComputeClustersForTicker(tx queue.DBTX, cfg *config.Config, ticker string) error {
	t := strings.TrimSpace(ticker)
	if t == "" {
		return fmt.Errorf("ticker is blank for cluster computation")
	}

	for _, side := range []string{"buy", "sell"} {
		if err := computeSideClusters(tx, cfg, t, side); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		"UPDATE insider_events SET cluster_computed_at=? WHERE ticker=?",
		domain.NowISO(), t,
	); err != nil {
		return fmt.Errorf("failed to stamp cluster timestamp: %w", err)
	}
	return nil
}

func computeSideClusters(tx queue.DBTX, cfg *config.Config, ticker, side string) error {
	candidates, err := loadClusterCandidates(tx, ticker, side)
	if err != nil {
		return err
	}

	// Reset flags and drop old cluster records so recomputation is clean.
	flagCol, idCol := "cluster_flag_buy", "cluster_id_buy"
	if side == "sell" {
		flagCol, idCol = "cluster_flag_sell", "cluster_id_sell"
	}
	if _, err := tx.Exec(
		fmt.Sprintf("UPDATE insider_events SET %s=0, %s=NULL WHERE ticker=?", flagCol, idCol),
		ticker,
	); err != nil {
		return fmt.Errorf("failed to reset cluster flags: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM cluster_members WHERE cluster_id IN (SELECT cluster_id FROM clusters WHERE ticker=? AND side=?)",
		ticker, side,
	); err != nil {
		return fmt.Errorf("failed to delete cluster members: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM clusters WHERE ticker=? AND side=?", ticker, side); err != nil {
		return fmt.Errorf("failed to delete clusters: %w", err)
	}

	if len(candidates) < 2 {
		return nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].tradeDate < candidates[b].tradeDate
	})

	tradeDays := make([]time.Time, len(candidates))
	for i, c := range candidates {
		d, err := time.Parse("2006-01-02", c.tradeDate)
		if err != nil {
			return fmt.Errorf("bad trade date %q: %w", c.tradeDate, err)
		}
		tradeDays[i] = d
	}

	assigned := make([]bool, len(candidates))
	now := domain.NowISO()

	for i := 0; i < len(candidates); i++ {
		if assigned[i] {
			continue
		}

		windowEnd := tradeDays[i].AddDate(0, 0, 14)
		var idxs []int
		for j := i; j < len(candidates) && !tradeDays[j].After(windowEnd); j++ {
			if !assigned[j] {
				idxs = append(idxs, j)
			}
		}

		// Multiple reporting owners can share one accession number. Those
		// count as a single filing so duplicates of the same underlying
		// trade do not manufacture a cluster.
		filings := map[string]bool{}
		for _, k := range idxs {
			filings[candidates[k].accession] = true
		}
		if len(filings) < 2 {
			continue
		}

		windowStart := candidates[i].tradeDate
		windowEndDate := windowStart
		for _, k := range idxs {
			if candidates[k].tradeDate > windowEndDate {
				windowEndDate = candidates[k].tradeDate
			}
		}

		// One dollar figure per filing, so per-owner duplicates of the same
		// trade are not double counted.
		dollarsByFiling := map[string]float64{}
		execsInvolved := false
		var maxPct interface{}
		for _, k := range idxs {
			c := candidates[k]
			if c.dollars > dollarsByFiling[c.accession] {
				dollarsByFiling[c.accession] = c.dollars
			}
			if c.isExec {
				execsInvolved = true
			}
			if c.pctChange != nil {
				if cur, ok := maxPct.(float64); !ok || *c.pctChange > cur {
					maxPct = *c.pctChange
				}
			}
		}
		totalDollars := 0.0
		for _, d := range dollarsByFiling {
			totalDollars += d
		}

		members := make([]string, 0, len(idxs))
		for _, k := range idxs {
			c := candidates[k]
			members = append(members, c.issuerCIK+"|"+c.ownerKey+"|"+c.accession)
		}
		sort.Strings(members)
		membersHash := identity.Sha256Hex(strings.Join(members, ","))
		clusterID := fmt.Sprintf("clu|%s|%s|%s|%s|%s", ticker, side, windowStart, windowEndDate, membersHash[:12])

		if _, err := tx.Exec(`
			INSERT INTO clusters (
				cluster_id, ticker, issuer_cik, side,
				window_start_date, window_end_date,
				unique_insiders, total_dollars, execs_involved, max_pct_holdings_change,
				cluster_version, computed_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			clusterID, ticker, candidates[idxs[0]].issuerCIK, side,
			windowStart, windowEndDate,
			len(filings), totalDollars, boolToInt(execsInvolved), maxPct,
			cfg.ClusterVersion, now,
		); err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", clusterID, err)
		}

		for _, k := range idxs {
			c := candidates[k]
			var pct interface{}
			if c.pctChange != nil {
				pct = *c.pctChange
			}
			if _, err := tx.Exec(`
				INSERT INTO cluster_members (
					cluster_id, issuer_cik, owner_key, accession_number, side,
					trade_date, dollars_contributed, pct_holdings_change
				) VALUES (?,?,?,?,?,?,?,?)`,
				clusterID, c.issuerCIK, c.ownerKey, c.accession, side,
				c.tradeDate, c.dollars, pct,
			); err != nil {
				return fmt.Errorf("failed to insert cluster member: %w", err)
			}

			if _, err := tx.Exec(
				fmt.Sprintf(`UPDATE insider_events SET %s=1, %s=?
					WHERE issuer_cik=? AND owner_key=? AND accession_number=?`, flagCol, idCol),
				clusterID, c.issuerCIK, c.ownerKey, c.accession,
			); err != nil {
				return fmt.Errorf("failed to flag clustered event: %w", err)
			}
			assigned[k] = true
		}
	}
	return nil
}

func loadClusterCandidates(tx queue.DBTX, ticker, side string) ([]clusterCandidate, error) {
	query := `
		SELECT issuer_cik, owner_key, accession_number,
		       buy_trade_date,
		       COALESCE(buy_dollars_total, 0),
		       COALESCE(is_officer, 0),
		       COALESCE(is_director, 0),
		       buy_pct_holdings_change
		FROM insider_events
		WHERE ticker=? AND has_buy=1 AND buy_trade_date IS NOT NULL`
	if side == "sell" {
		query = `
		SELECT issuer_cik, owner_key, accession_number,
		       sell_trade_date,
		       COALESCE(sell_dollars_total, 0),
		       COALESCE(is_officer, 0),
		       COALESCE(is_director, 0),
		       sell_pct_holdings_change
		FROM insider_events
		WHERE ticker=? AND has_sell=1 AND sell_trade_date IS NOT NULL`
	}

	rows, err := tx.Query(query, ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster candidates: %w", err)
	}
	defer rows.Close()

	var out []clusterCandidate
	for rows.Next() {
		var c clusterCandidate
		var isOfficer, isDirector int
		var pct sql.NullFloat64
		if err := rows.Scan(&c.issuerCIK, &c.ownerKey, &c.accession, &c.tradeDate,
			&c.dollars, &isOfficer, &isDirector, &pct); err != nil {
			return nil, fmt.Errorf("failed to scan cluster candidate: %w", err)
		}
		c.isExec = isOfficer == 1 || isDirector == 1
		if pct.Valid {
			v := pct.Float64
			c.pctChange = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
