package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/diamond-finder/internal/config"
	"github.com/sells-group/diamond-finder/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := source.FromConfig(cfg.Sources); err != nil {
			return err
		}
		formatSources(os.Stdout, cfg.Sources)
		return nil
	},
}

func formatSources(out io.Writer, entries []config.SourceConfig) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No sources configured.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tENABLED\tLOCATION\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t----\t-------\t--------\t-----------")
	for _, sc := range entries {
		typ, loc := sc.Type, sc.Path
		if sc.URL != "" {
			loc = sc.URL
			if typ == "" {
				typ = source.TypeHTTP
			}
		}
		if typ == "" {
			typ = source.TypeFile
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			sc.Name, typ, sc.IsEnabled(), truncate(loc, 50), truncate(sc.Description, 50))
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
