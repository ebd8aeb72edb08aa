package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printReport(w io.Writer, r schemas.SessionReport) {
	fmt.Fprintf(w, "Session %s: %s\n", r.SessionID, r.State)
	if r.Reason != "" {
		fmt.Fprintf(w, "  reason:   %s\n", r.Reason)
	}
	fmt.Fprintf(w, "  app:      %s %s\n", r.AppID, r.AppVersion)
	fmt.Fprintf(w, "  screens:  %d\n", r.ScreensExplored)
	fmt.Fprintf(w, "  elements: %d\n", r.ElementsDiscovered)
	fmt.Fprintf(w, "  edges:    %d\n", r.Edges)
	fmt.Fprintf(w, "  elapsed:  %s\n", r.Elapsed.Round(time.Millisecond))
}

// shortID trims a fingerprint or identity id for tables.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
