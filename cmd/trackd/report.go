package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/config"
	"github.com/sigema/trackd/internal/trip"
	"github.com/spf13/cobra"
)

var (
	reportDate    string
	reportSamples bool
)

var reportCmd = &cobra.Command{
	Use:   "report [flags] EQUIPMENT_ID",
	Short: "Show the trip report for an equipment",
	Long:  `Show the aggregated trip report for an equipment on a given day, reading the journal directly.`,
	Example: `  trackd -c config.yaml report 1042
  trackd report --date 2026-08-30 --samples 1042`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "Day to report on (YYYY-MM-DD) - defaults to today (UTC)")
	reportCmd.Flags().BoolVar(&reportSamples, "samples", false, "List the individual position samples")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	equipmentID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || equipmentID <= 0 {
		return fmt.Errorf("invalid equipment id: %s", args[0])
	}

	day := time.Now().UTC()
	if reportDate != "" {
		day, err = time.Parse("2006-01-02", reportDate)
		if err != nil {
			return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", reportDate)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for report mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	journal := trip.NewJournal(store.Trips(), trip.NewAggregator(logger), trip.RealClock{}, logger)

	ctx := context.Background()
	summary, err := journal.Summary(ctx, equipmentID, day)
	if err != nil {
		return fmt.Errorf("failed to build summary: %w", err)
	}

	var samples []trip.Sample
	if reportSamples {
		samples, err = journal.SamplesOn(ctx, equipmentID, day)
		if err != nil {
			return fmt.Errorf("failed to load samples: %w", err)
		}
	}

	printReport(summary, samples)
	return nil
}

// printReport prints the trip summary with colors
func printReport(summary *trip.TripSummary, samples []trip.Sample) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("TRIP REPORT")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Equipment:  %d\n", summary.EquipmentID)
	fmt.Printf("Date:       %s\n", summary.Date)
	fmt.Println()

	cyan.Print("Distance:   ")
	green.Printf("%.6f km\n", summary.TotalDistanceKm)
	cyan.Print("Duration:   ")
	green.Printf("%.2f h\n", summary.TotalDurationHours)

	if summary.LastSample != nil {
		fmt.Println()
		fmt.Printf("Last fix:   %.8f, %.8f at %s\n",
			summary.LastSample.Latitude,
			summary.LastSample.Longitude,
			summary.LastSample.Timestamp.Format(time.RFC3339))
	} else {
		fmt.Println()
		yellow.Println("No position samples recorded for this day.")
	}

	if len(samples) > 0 {
		fmt.Println()
		cyan.Printf("Samples (%d):\n", len(samples))
		for _, s := range samples {
			fmt.Printf("  %s  %.8f, %.8f\n",
				s.Timestamp.Format("15:04:05"),
				s.Latitude, s.Longitude)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
