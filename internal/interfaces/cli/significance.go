package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// newSignificanceCmd returns the ablab significance subcommand.
func newSignificanceCmd() *cobra.Command {
	var metric string

	cmd := &cobra.Command{
		Use:   "significance EXPERIMENT",
		Short: "Test treatments against the control",
		Long: `Run a statistical significance test of every treatment variant against
the control.

Conversion metrics use a two-proportion z-test, continuous metrics Welch's
t-test, both at the 5% significance level. Without --metric the experiment's
configured success metric is tested.`,
		Example: `  ablab significance checkout_cta
  ablab significance checkout_cta --metric purchase`,
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

			report, err := api.Results().Significance(cmd.Context(), args[0], metric)
			if err != nil {
				return err
			}

			return PrintResult(cmd, significanceReport{report: report})
		},
	}

	cmd.Flags().StringVar(&metric, "metric", "", "metric to test (default: the experiment's success metric)")

	return cmd
}

// significanceReport adapts a significance report for PrintResult.
type significanceReport struct {
	report *etypes.SignificanceReportDTO
}

func (r significanceReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.report)
}

func (r significanceReport) TableHeaders() []string {
	return []string{"TREATMENT", "CONTROL", "TREATMENT RATE", "LIFT", "Z", "P", "SIGNIFICANT"}
}

func (r significanceReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r.report.Treatments))
	for _, tr := range r.report.Treatments {
		rows = append(rows, []string{
			tr.VariantName,
			fmt.Sprintf("%.4f", tr.ControlRate),
			fmt.Sprintf("%.4f", tr.TreatmentRate),
			fmt.Sprintf("%+.1f%%", tr.Lift),
			fmt.Sprintf("%.3f", tr.ZScore),
			fmt.Sprintf("%.4f", tr.PValue),
			strconv.FormatBool(tr.IsSignificant),
		})
	}
	return rows
}

func (r significanceReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Significance for %s (metric: %s, %s)\n",
		r.report.ExperimentName, r.report.MetricName, r.report.MetricType)
	fmt.Fprintf(&sb, "Control: %s\n", r.report.ControlVariant)

	for _, tr := range r.report.Treatments {
		verdict := "not significant"
		if tr.IsSignificant {
			verdict = "SIGNIFICANT"
		}
		fmt.Fprintf(&sb, "\n%s: %s\n", tr.VariantName, verdict)
		fmt.Fprintf(&sb, "  %.4f vs %.4f control, lift %+.1f%%\n", tr.TreatmentRate, tr.ControlRate, tr.Lift)
		fmt.Fprintf(&sb, "  z=%.3f p=%.4f (%s, %.0f%% confidence)\n",
			tr.ZScore, tr.PValue, tr.Method, tr.ConfidenceLevel*100)
		fmt.Fprintf(&sb, "  samples: control=%d treatment=%d\n", tr.ControlSampleSize, tr.TreatmentSampleSize)
		if tr.TreatmentInterval != nil {
			fmt.Fprintf(&sb, "  treatment interval: [%.4f, %.4f]\n", tr.TreatmentInterval.Lower, tr.TreatmentInterval.Upper)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
