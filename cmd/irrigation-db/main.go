// AgSys Irrigation Database CLI Tool
// Provides command-line access to the irrigation node's local log
package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/agsys/irrigation-node/internal/storage"
)

var (
	dbPath  string
	limit   int
	rootCmd = &cobra.Command{
		Use:   "irrigation-db",
		Short: "AgSys Irrigation Database CLI",
		Long:  "Command-line tool for inspecting the irrigation node's local decision, telemetry, health and pump log.",
	}

	decisionsCmd = &cobra.Command{
		Use:   "decisions",
		Short: "Show recent irrigation decisions",
		RunE:  showDecisions,
	}

	telemetryCmd = &cobra.Command{
		Use:   "telemetry",
		Short: "Show recent sensor telemetry",
		RunE:  showTelemetry,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Show recent plant health reports",
		RunE:  showHealth,
	}

	pumpCmd = &cobra.Command{
		Use:   "pump",
		Short: "Show pump events",
		RunE:  showPumpEvents,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/agsys/irrigation-node.db", "Database file path")

	for _, c := range []*cobra.Command{decisionsCmd, telemetryCmd, healthCmd, pumpCmd} {
		c.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*storage.DB, error) {
	return storage.OpenReadOnly(dbPath)
}

func newTable(out io.Writer, header ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	dashes := make([]string, len(header))
	for i, h := range header {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(dashes, "\t"))
	return w
}

func showDecisions(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.RecentDecisions(limit)
	if err != nil {
		return err
	}

	w := newTable(cmd.OutOrStdout(), "TIME", "DECISION", "PROB", "CMD", "PUBLISHED", "SYNCED", "REASON")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%s\t%s\t%s\n",
			formatTime(r.Timestamp), r.Label, r.Probability, r.Command,
			yesNo(r.Published), yesNo(r.SyncedToCloud), r.Reason)
	}
	return w.Flush()
}

func showTelemetry(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.RecentTelemetry(limit)
	if err != nil {
		return err
	}

	w := newTable(cmd.OutOrStdout(), "TIME", "NODE", "MOISTURE", "TEMP", "HUMIDITY", "PH", "N", "P", "K")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s/%s\t%.1f%%\t%.1fC\t%.1f%%\t%s\t%s\t%s\t%s\n",
			formatTime(r.Timestamp), r.Site, r.Node, r.SoilMoisture, r.Temperature, r.Humidity,
			optional(r.PH), optional(r.Nitrogen), optional(r.Phosphorus), optional(r.Potassium))
	}
	return w.Flush()
}

func showHealth(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.RecentHealthReports(limit)
	if err != nil {
		return err
	}

	w := newTable(cmd.OutOrStdout(), "TIME", "CLASS", "CONF", "N", "P", "K", "PH", "MOISTURE", "TEMP")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.0f\t%.0f\t%.0f\t%.1f\t%.1f\t%.1f\n",
			formatTime(r.Timestamp), r.Class, r.Confidence,
			r.Nitrogen, r.Phosphorus, r.Potassium, r.PH, r.Moisture, r.Temperature)
	}
	return w.Flush()
}

func showPumpEvents(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.RecentPumpEvents(limit)
	if err != nil {
		return err
	}

	w := newTable(cmd.OutOrStdout(), "TIME", "STATE", "SOURCE", "MODE", "SYNCED")
	for _, e := range events {
		state := "OFF"
		if e.Running {
			state = "ON"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(e.Timestamp), state, e.Source, e.Mode, yesNo(e.SyncedToCloud))
	}
	return w.Flush()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== Database Statistics ===")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Telemetry:      %d\n", stats.Telemetry)
	fmt.Fprintf(out, "Decisions:      %d\n", stats.Decisions)
	fmt.Fprintf(out, "Health reports: %d\n", stats.HealthReports)
	fmt.Fprintf(out, "Pump events:    %d\n", stats.PumpEvents)
	fmt.Fprintf(out, "Unsynced:       %d\n", stats.Unsynced)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := newTable(cmd.OutOrStdout(), cols...)
	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		row := make([]string, 0, len(values))
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
