package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/sells-group/diamond-finder/internal/model"
)

func formatCandidates(out io.Writer, cands []model.Candidate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCORE\tADDRESS\tUNIT\tTYPE\tPRICE\tSOURCES\tWHY")
	_, _ = fmt.Fprintln(w, "-----\t-------\t----\t----\t-----\t-------\t---")
	for _, c := range cands {
		_, _ = fmt.Fprintf(w, "%.1f\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Score,
			truncate(c.Address, 40),
			c.Unit,
			c.ListingType,
			formatPrice(c.Price),
			strings.Join(c.FoundBy, ","),
			truncate(strings.Join(c.WhySpecial, "; "), 60),
		)
	}
	_ = w.Flush()
}

func formatStats(out io.Writer, perfs []model.StrategyPerformance) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STRATEGY\tSTATUS\tEFFECTIVENESS\tPRECISION\t90+\t80+\tCANDIDATES\tBUILDINGS\tPHOTOS\tRUNS\tLAST RUN")
	_, _ = fmt.Fprintln(w, "--------\t------\t-------------\t---------\t---\t---\t----------\t---------\t------\t----\t--------")
	for _, p := range perfs {
		status := "active"
		if !p.Active {
			status = "inactive"
		}
		lastRun := "-"
		if !p.LastRun.IsZero() {
			lastRun = p.LastRun.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.3f\t%.1f%%\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			p.SourceName,
			status,
			p.Effectiveness(),
			p.Precision()*100,
			p.Found90Plus,
			p.Found80Plus,
			p.TotalCandidates,
			p.UniqueBuildings,
			p.TotalPhotos,
			p.RunsCount,
			lastRun,
		)
	}
	_ = w.Flush()
}

func formatPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("$%.0f", *p)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
