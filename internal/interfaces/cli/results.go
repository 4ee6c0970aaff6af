package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/ABLab/pkg/client"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// newResultsCmd returns the ablab results subcommand.
func newResultsCmd() *cobra.Command {
	var (
		start  string
		end    string
		recent int
	)

	cmd := &cobra.Command{
		Use:   "results EXPERIMENT",
		Short: "Show aggregated experiment results",
		Long: `Aggregate recorded events into per-variant, per-metric statistics.

--start and --end restrict the aggregation window; timestamps accept RFC 3339
or plain dates (2006-01-02). With --recent N, the newest N raw events are
listed instead of the aggregate.`,
		Example: `  ablab results checkout_cta
  ablab results checkout_cta --start 2025-06-01 --end 2025-06-08
  ablab results checkout_cta --recent 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			if recent > 0 {
				entries, err := api.Results().Recent(cmd.Context(), args[0], recent)
				if err != nil {
					return err
				}
				return PrintResult(cmd, recentResults{entries: entries})
			}

			opts := &client.ResultsOptions{}
			if opts.Start, err = parseTimeFlag("start", start); err != nil {
				return err
			}
			if opts.End, err = parseTimeFlag("end", end); err != nil {
				return err
			}

			report, err := api.Results().Get(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			return PrintResult(cmd, resultsReport{report: report})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "window start (RFC 3339 or 2006-01-02)")
	cmd.Flags().StringVar(&end, "end", "", "window end, exclusive (RFC 3339 or 2006-01-02)")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the newest N raw events instead of the aggregate")

	return cmd
}

// parseTimeFlag parses an optional time flag as RFC 3339 or a plain UTC date.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid --%s %q, expected RFC 3339 or 2006-01-02", name, value)
}

// resultsReport adapts an aggregated results report for PrintResult.
type resultsReport struct {
	report *etypes.ResultsReportDTO
}

func (r resultsReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.report)
}

func (r resultsReport) TableHeaders() []string {
	return []string{"VARIANT", "METRIC", "TYPE", "SAMPLES", "CONVERSIONS", "RATE", "MEAN"}
}

func (r resultsReport) TableRows() [][]string {
	var rows [][]string
	for _, v := range r.report.Variants {
		name := v.VariantName
		if v.IsControl {
			name += " (control)"
		}
		for _, m := range v.Metrics {
			rows = append(rows, []string{
				name,
				m.MetricName,
				string(m.MetricType),
				strconv.FormatInt(m.SampleSize, 10),
				strconv.FormatInt(m.Conversions, 10),
				fmt.Sprintf("%.2f%%", m.ConversionRate*100),
				fmt.Sprintf("%.4f", m.Mean),
			})
		}
	}
	return rows
}

func (r resultsReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for %s\n", r.report.ExperimentName)
	if r.report.StartDate != nil || r.report.EndDate != nil {
		fmt.Fprintf(&sb, "Window: %s to %s\n", formatWindowBound(r.report.StartDate), formatWindowBound(r.report.EndDate))
	}

	if len(r.report.Variants) == 0 {
		sb.WriteString("no recorded events")
		return sb.String()
	}

	for _, v := range r.report.Variants {
		marker := ""
		if v.IsControl {
			marker = " (control)"
		}
		fmt.Fprintf(&sb, "\n%s%s\n", v.VariantName, marker)
		for _, m := range v.Metrics {
			switch m.MetricType {
			case etypes.MetricConversion:
				fmt.Fprintf(&sb, "  %-20s %d/%d converted (%.2f%%)\n",
					m.MetricName, m.Conversions, m.SampleSize, m.ConversionRate*100)
			default:
				fmt.Fprintf(&sb, "  %-20s n=%d mean=%.4f stddev=%.4f min=%.4f max=%.4f\n",
					m.MetricName, m.SampleSize, m.Mean, m.StdDev, m.Min, m.Max)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatWindowBound(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return t.Format(time.RFC3339)
}

// recentResults adapts raw recent events for PrintResult.
type recentResults struct {
	entries []client.RecentResult
}

func (r recentResults) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.entries)
}

func (r recentResults) TableHeaders() []string {
	return []string{"RECORDED", "VARIANT", "SUBJECT", "METRIC", "TYPE", "VALUE"}
}

func (r recentResults) TableRows() [][]string {
	rows := make([][]string, 0, len(r.entries))
	for _, e := range r.entries {
		rows = append(rows, []string{
			e.RecordedAt.Format(time.RFC3339),
			e.VariantName,
			string(e.SubjectKind),
			e.MetricName,
			string(e.MetricType),
			fmt.Sprintf("%.4f", e.MetricValue),
		})
	}
	return rows
}

func (r recentResults) String() string {
	if len(r.entries) == 0 {
		return "no recorded events"
	}

	var sb strings.Builder
	for _, e := range r.entries {
		fmt.Fprintf(&sb, "%s  %-16s %s=%.4f (%s)\n",
			e.RecordedAt.Format("2006-01-02 15:04:05"), e.VariantName, e.MetricName, e.MetricValue, e.MetricType)
	}
	fmt.Fprintf(&sb, "%d event(s)", len(r.entries))
	return sb.String()
}
