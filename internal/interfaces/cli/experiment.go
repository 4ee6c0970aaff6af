package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/ABLab/pkg/client"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// newExperimentCmd returns the ablab experiment top-level subcommand.
func newExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Manage experiment definitions and lifecycle",
		Long: `Create, inspect, and transition experiments.

Experiments are created in draft status and must be activated before they
accept assignments. Definitions can come from a YAML file or from flags.`,
	}

	cmd.AddCommand(newExperimentCreateCmd())
	cmd.AddCommand(newExperimentListCmd())
	cmd.AddCommand(newExperimentGetCmd())
	cmd.AddCommand(newExperimentStatusCmd())
	cmd.AddCommand(newExperimentMetricCmd())

	return cmd
}

// variantDefinition is one variant in a YAML experiment definition.
type variantDefinition struct {
	Name          string         `yaml:"name"`
	DisplayName   string         `yaml:"display_name"`
	IsControl     bool           `yaml:"is_control"`
	Weight        float64        `yaml:"weight"`
	Configuration map[string]any `yaml:"configuration"`
}

// experimentDefinition is a YAML experiment definition, as accepted by
// experiment create --file.
type experimentDefinition struct {
	Name              string              `yaml:"name"`
	DisplayName       string              `yaml:"display_name"`
	Description       string              `yaml:"description"`
	Hypothesis        string              `yaml:"hypothesis"`
	Type              string              `yaml:"type"`
	TrafficAllocation float64             `yaml:"traffic_allocation"`
	SuccessMetric     string              `yaml:"success_metric"`
	StartAt           *time.Time          `yaml:"start_at"`
	EndAt             *time.Time          `yaml:"end_at"`
	Variants          []variantDefinition `yaml:"variants"`
}

func (d *experimentDefinition) toCreateRequest() *client.CreateExperimentRequest {
	req := &client.CreateExperimentRequest{
		Name:              d.Name,
		DisplayName:       d.DisplayName,
		Description:       d.Description,
		Hypothesis:        d.Hypothesis,
		Type:              d.Type,
		TrafficAllocation: d.TrafficAllocation,
		SuccessMetric:     d.SuccessMetric,
		StartAt:           d.StartAt,
		EndAt:             d.EndAt,
	}
	for _, v := range d.Variants {
		req.Variants = append(req.Variants, client.CreateVariantRequest{
			Name:          v.Name,
			DisplayName:   v.DisplayName,
			IsControl:     v.IsControl,
			Weight:        v.Weight,
			Configuration: v.Configuration,
		})
	}
	return req
}

// loadExperimentDefinition reads and parses a YAML experiment definition.
func loadExperimentDefinition(path string) (*client.CreateExperimentRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var def experimentDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition file: %w", err)
	}

	return def.toCreateRequest(), nil
}

// parseVariantSpecs turns repeated --variant name=weight flags into variant
// requests. The variant named by control (or literally "control" when the
// flag is unset) becomes the control arm.
func parseVariantSpecs(specs []string, control string) ([]client.CreateVariantRequest, error) {
	if control == "" {
		control = "control"
	}

	variants := make([]client.CreateVariantRequest, 0, len(specs))
	for _, spec := range specs {
		name, weightStr, found := strings.Cut(spec, "=")
		if !found || name == "" || weightStr == "" {
			return nil, fmt.Errorf("invalid variant %q, expected name=weight", spec)
		}
		weight, err := strconv.ParseFloat(weightStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight in variant %q: %w", spec, err)
		}
		variants = append(variants, client.CreateVariantRequest{
			Name:      name,
			IsControl: name == control,
			Weight:    weight,
		})
	}
	return variants, nil
}

func newExperimentCreateCmd() *cobra.Command {
	var (
		file        string
		name        string
		displayName string
		description string
		hypothesis  string
		expType     string
		traffic     float64
		metric      string
		variants    []string
		control     string
		actor       string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new experiment",
		Long: `Create an experiment from a YAML definition file or from flags.

With --file, the definition file provides all fields. Without it, --name and
at least one --variant name=weight pair are required; the variant matching
--control (default "control") becomes the control arm.`,
		Example: `  ablab experiment create -f checkout_cta.yaml
  ablab experiment create --name checkout_cta --metric purchase \
    --variant control=50 --variant green_button=50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			var req *client.CreateExperimentRequest
			if file != "" {
				req, err = loadExperimentDefinition(file)
				if err != nil {
					return err
				}
			} else {
				if name == "" {
					return fmt.Errorf("either --file or --name is required")
				}
				parsed, perr := parseVariantSpecs(variants, control)
				if perr != nil {
					return perr
				}
				req = &client.CreateExperimentRequest{
					Name:              name,
					DisplayName:       displayName,
					Description:       description,
					Hypothesis:        hypothesis,
					Type:              expType,
					TrafficAllocation: traffic,
					SuccessMetric:     metric,
					Variants:          parsed,
				}
			}
			req.Actor = actor

			dto, err := api.Experiments().Create(cmd.Context(), req)
			if err != nil {
				return err
			}

			if wantsStructured(cliCtx) {
				return PrintResult(cmd, newExperimentDetail(dto))
			}
			PrintSuccess(cmd, fmt.Sprintf("experiment %q created (status=%s, variants=%d)",
				dto.Name, dto.Status, len(dto.Variants)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML experiment definition file")
	cmd.Flags().StringVar(&name, "name", "", "experiment name (unique)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "human readable name")
	cmd.Flags().StringVar(&description, "description", "", "experiment description")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "hypothesis under test")
	cmd.Flags().StringVar(&expType, "type", "split", "experiment type (split, multivariate, redirect)")
	cmd.Flags().Float64Var(&traffic, "traffic", 100, "traffic allocation percentage (0-100)")
	cmd.Flags().StringVar(&metric, "metric", "", "success metric name")
	cmd.Flags().StringArrayVar(&variants, "variant", nil, "variant as name=weight (repeatable)")
	cmd.Flags().StringVar(&control, "control", "", "name of the control variant (default: \"control\")")
	cmd.Flags().StringVar(&actor, "actor", "", "acting identity recorded in the audit trail")

	return cmd
}

func newExperimentListCmd() *cobra.Command {
	var (
		status    string
		active    bool
		page      int
		pageSize  int
		sortBy    string
		sortOrder string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			if active {
				dtos, err := api.Experiments().ListActive(cmd.Context())
				if err != nil {
					return err
				}
				return PrintResult(cmd, experimentList{page: &client.ExperimentPage{
					Items:      dtos,
					Total:      int64(len(dtos)),
					Page:       1,
					PageSize:   len(dtos),
					TotalPages: 1,
				}})
			}

			if status != "" && !etypes.Status(status).IsValid() {
				return fmt.Errorf("invalid status %q (must be draft/active/paused/completed/archived)", status)
			}

			result, err := api.Experiments().List(cmd.Context(), &client.ListExperimentsOptions{
				Page:      page,
				PageSize:  pageSize,
				Status:    status,
				SortBy:    sortBy,
				SortOrder: sortOrder,
			})
			if err != nil {
				return err
			}

			return PrintResult(cmd, experimentList{page: result})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft/active/paused/completed/archived)")
	cmd.Flags().BoolVar(&active, "active", false, "show only experiments currently eligible for assignment")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "items per page")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "sort field (name, created_at, status)")
	cmd.Flags().StringVar(&sortOrder, "sort-order", "", "sort order (asc, desc)")

	return cmd
}

func newExperimentGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show one experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			dto, err := api.Experiments().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return PrintResult(cmd, newExperimentDetail(dto))
		},
	}

	return cmd
}

// transitionActions maps status subcommand actions to SDK calls.
var transitionActions = map[string]func(*client.ExperimentsClient, *cobra.Command, string, string) (*etypes.ExperimentDTO, error){
	"activate": func(ec *client.ExperimentsClient, cmd *cobra.Command, name, actor string) (*etypes.ExperimentDTO, error) {
		return ec.Activate(cmd.Context(), name, actor)
	},
	"pause": func(ec *client.ExperimentsClient, cmd *cobra.Command, name, actor string) (*etypes.ExperimentDTO, error) {
		return ec.Pause(cmd.Context(), name, actor)
	},
	"resume": func(ec *client.ExperimentsClient, cmd *cobra.Command, name, actor string) (*etypes.ExperimentDTO, error) {
		return ec.Resume(cmd.Context(), name, actor)
	},
	"complete": func(ec *client.ExperimentsClient, cmd *cobra.Command, name, actor string) (*etypes.ExperimentDTO, error) {
		return ec.Complete(cmd.Context(), name, actor)
	},
	"archive": func(ec *client.ExperimentsClient, cmd *cobra.Command, name, actor string) (*etypes.ExperimentDTO, error) {
		return ec.Archive(cmd.Context(), name, actor)
	},
}

func newExperimentStatusCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "status NAME ACTION",
		Short: "Transition an experiment's lifecycle status",
		Long: `Apply a lifecycle transition to an experiment.

Valid actions: activate, pause, resume, complete, archive.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			name, action := args[0], strings.ToLower(args[1])
			transition, ok := transitionActions[action]
			if !ok {
				return fmt.Errorf("invalid action %q (must be activate/pause/resume/complete/archive)", action)
			}

			dto, err := transition(api.Experiments(), cmd, name, actor)
			if err != nil {
				return err
			}

			if wantsStructured(cliCtx) {
				return PrintResult(cmd, newExperimentDetail(dto))
			}
			PrintSuccess(cmd, fmt.Sprintf("experiment %q is now %s", dto.Name, dto.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "acting identity recorded in the audit trail")

	return cmd
}

func newExperimentMetricCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "metric NAME METRIC",
		Short: "Change an experiment's success metric",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			dto, err := api.Experiments().UpdateSuccessMetric(cmd.Context(), args[0], args[1], actor)
			if err != nil {
				return err
			}

			if wantsStructured(cliCtx) {
				return PrintResult(cmd, newExperimentDetail(dto))
			}
			PrintSuccess(cmd, fmt.Sprintf("experiment %q success metric set to %q", dto.Name, dto.SuccessMetric))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "acting identity recorded in the audit trail")

	return cmd
}

// wantsStructured reports whether the selected output format is json or
// table rather than human text.
func wantsStructured(cliCtx *CLIContext) bool {
	switch strings.ToLower(cliCtx.OutputFormat) {
	case "json", "table":
		return true
	default:
		return false
	}
}

// experimentList adapts a page of experiments for PrintResult.
type experimentList struct {
	page *client.ExperimentPage
}

func (l experimentList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.page)
}

func (l experimentList) TableHeaders() []string {
	return []string{"NAME", "STATUS", "TYPE", "TRAFFIC", "VARIANTS", "METRIC"}
}

func (l experimentList) TableRows() [][]string {
	rows := make([][]string, 0, len(l.page.Items))
	for _, e := range l.page.Items {
		rows = append(rows, []string{
			e.Name,
			string(e.Status),
			string(e.Type),
			fmt.Sprintf("%.0f%%", e.TrafficAllocation),
			strconv.Itoa(len(e.Variants)),
			e.SuccessMetric,
		})
	}
	return rows
}

func (l experimentList) String() string {
	if len(l.page.Items) == 0 {
		return "no experiments found"
	}

	var sb strings.Builder
	for _, e := range l.page.Items {
		fmt.Fprintf(&sb, "%s  (%s, %s, %d variants)\n", e.Name, e.Status, e.Type, len(e.Variants))
	}
	fmt.Fprintf(&sb, "page %d/%d, %d total", l.page.Page, l.page.TotalPages, l.page.Total)
	return sb.String()
}

// experimentDetail adapts one experiment for PrintResult.
type experimentDetail struct {
	dto *etypes.ExperimentDTO
}

func newExperimentDetail(dto *etypes.ExperimentDTO) experimentDetail {
	return experimentDetail{dto: dto}
}

func (d experimentDetail) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.dto)
}

func (d experimentDetail) TableHeaders() []string {
	return []string{"VARIANT", "CONTROL", "WEIGHT", "POSITION"}
}

func (d experimentDetail) TableRows() [][]string {
	rows := make([][]string, 0, len(d.dto.Variants))
	for _, v := range d.dto.Variants {
		rows = append(rows, []string{
			v.Name,
			strconv.FormatBool(v.IsControl),
			fmt.Sprintf("%.1f", v.Weight),
			strconv.Itoa(v.Position),
		})
	}
	return rows
}

func (d experimentDetail) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name:     %s\n", d.dto.Name)
	fmt.Fprintf(&sb, "Status:   %s\n", d.dto.Status)
	fmt.Fprintf(&sb, "Type:     %s\n", d.dto.Type)
	fmt.Fprintf(&sb, "Traffic:  %.0f%%\n", d.dto.TrafficAllocation)
	if d.dto.SuccessMetric != "" {
		fmt.Fprintf(&sb, "Metric:   %s\n", d.dto.SuccessMetric)
	}
	if d.dto.Hypothesis != "" {
		fmt.Fprintf(&sb, "Hypothesis: %s\n", d.dto.Hypothesis)
	}
	sb.WriteString("Variants:\n")
	for _, v := range d.dto.Variants {
		marker := " "
		if v.IsControl {
			marker = "*"
		}
		fmt.Fprintf(&sb, "  %s %-20s weight=%.1f\n", marker, v.Name, v.Weight)
	}
	sb.WriteString("(* = control)")
	return sb.String()
}
