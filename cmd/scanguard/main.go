package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"scanguard/internal/config"
	"scanguard/internal/normalize"
)

var (
	cfgFile  string
	logLevel string

	parseFormat   string
	parseTimezone string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "scanguard",
	Short: "Passive port scan detection from firewall logs",
	Long: `scanguard reads firewall log records (Check Point Gaia syslog or CEF),
tracks the distinct destination ports each source address touches and raises
an alert when a source exceeds the fast or slow scan threshold.

Alerts go to the log, the query API, a websocket stream and, when
configured, a SIEM collector, SMTP, Kafka and a SQL archive.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start ingestion, detection and the query API",
	Long: `Start every enabled ingest transport and the detection engine.

Examples:
  scanguard run --config configs/scanguard.yaml
  scanguard run --config /etc/scanguard/scanguard.yaml --log-level debug`,
	RunE: runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.ResolvePath(cfgFile))
		if err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgFile, err)
		}
		d := cfg.Detection
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", cfgFile)
		fmt.Fprintf(out, "  parser_format: %s\n", cfg.Ingest.ParserFormat)
		fmt.Fprintf(out, "  fast scan:     > %d ports in %s (cooldown %s)\n", d.FastScanPortThreshold, d.FastScanWindowDuration, d.FastCooldown())
		fmt.Fprintf(out, "  slow scan:     > %d ports in %s (cooldown %s)\n", d.SlowScanPortThreshold, d.SlowScanWindowDuration, d.SlowCooldown())
		return nil
	},
}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Normalize log lines from stdin and print them as JSON",
	Long: `Read firewall log lines from stdin, normalize them with the given
format and print one JSON event per recognised line. Lines that do not
normalize are counted and reported on stderr.

Examples:
  tail -n 100 /var/log/fw.log | scanguard parse --format gaia
  scanguard parse --format cef < export.cef`,
	RunE: runParse,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scanguard %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/scanguard.yaml", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config (debug, info, warn, error)")

	parseCmd.Flags().StringVar(&parseFormat, "format", "", "parser format (default: ingest.parser_format from the config, else gaia)")
	parseCmd.Flags().StringVar(&parseTimezone, "timezone", "UTC", "zone for timestamps that carry none")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(versionCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	format := parseFormat
	if format == "" {
		format = "gaia"
		if cfg, err := config.Load(config.ResolvePath(cfgFile)); err == nil {
			format = cfg.Ingest.ParserFormat
		}
	}
	loc, err := time.LoadLocation(parseTimezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	n, err := normalize.NewInLocation(format, loc)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(cmd.OutOrStdout())
	var parsed, skipped int
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev, ok := n.Parse(line, time.Now().UTC())
		if !ok {
			skipped++
			continue
		}
		parsed++
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d parsed, %d skipped\n", n.Name(), parsed, skipped)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
