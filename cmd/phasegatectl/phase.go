package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	failColor    = color.New(color.FgRed)
	mutedColor   = color.New(color.FgHiBlack)
)

func statusColor(status string) *color.Color {
	switch status {
	case entity.PhaseStatusActive:
		return color.New(color.FgCyan)
	case entity.PhaseStatusBlocked:
		return failColor
	case entity.PhaseStatusCompleted:
		return successColor
	default:
		return mutedColor
	}
}

// operator CLI 操作人，--by 指定的用户以管理员身份执行
func operator(by string) service.Actor {
	return service.Actor{UserID: by, Name: by, Roles: []string{service.RoleAdmin}}
}

func newPhaseCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Inspect and drive project phases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <projectId>",
		Short: "Show current phase, status and gating conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(true)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := backgroundCtx(cmd)
			pp, err := e.services.Phase.GetProjectPhase(ctx, args[0])
			if err != nil {
				return err
			}
			preview, err := e.services.Phase.EvaluateConditions(ctx, args[0])
			if err != nil {
				return err
			}
			printPhase(cmd.OutOrStdout(), pp, preview)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured phases and their gating conditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(true)
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			for _, p := range e.phases.Phases() {
				fmt.Fprintf(out, "%d  %s\n", p.Number, p.Name)
				for _, c := range p.Conditions {
					fmt.Fprintf(out, "     %s %s\n", mutedColor.Sprint("requires"), c.Name())
				}
			}
			return nil
		},
	})

	var startBy, step string
	start := &cobra.Command{
		Use:   "start <projectId>",
		Short: "Kick off a project in phase 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(true)
			if err != nil {
				return err
			}
			defer e.Close()

			pp, err := e.services.Phase.StartProject(backgroundCtx(cmd), operator(startBy), args[0], service.StartProjectInput{CurrentStep: step})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s project %s started in phase %d\n", successColor.Sprint("✓"), pp.ProjectID, pp.CurrentPhase)
			return nil
		},
	}
	start.Flags().StringVar(&startBy, "by", "", "operator user id (required)")
	start.Flags().StringVar(&step, "step", "", "initial step label")
	_ = start.MarkFlagRequired("by")
	cmd.AddCommand(start)

	var by string
	advance := &cobra.Command{
		Use:   "advance <projectId>",
		Short: "Evaluate gating conditions and advance when all are met",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(true)
			if err != nil {
				return err
			}
			defer e.Close()

			pp, err := e.services.Phase.RequestAdvance(backgroundCtx(cmd), operator(by), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch pp.Status {
			case entity.PhaseStatusBlocked:
				fmt.Fprintf(out, "%s project %s stays in phase %d\n", failColor.Sprint("✗"), pp.ProjectID, pp.CurrentPhase)
				for _, r := range pp.BlockingReasons {
					fmt.Fprintf(out, "    - %s\n", r)
				}
			case entity.PhaseStatusCompleted:
				fmt.Fprintf(out, "%s project %s completed\n", successColor.Sprint("✓"), pp.ProjectID)
			default:
				fmt.Fprintf(out, "%s project %s advanced to phase %d\n", successColor.Sprint("✓"), pp.ProjectID, pp.CurrentPhase)
			}
			return nil
		},
	}
	advance.Flags().StringVar(&by, "by", "", "operator user id recorded as triggered_by (required)")
	_ = advance.MarkFlagRequired("by")
	cmd.AddCommand(advance)

	return cmd
}

func printPhase(out io.Writer, pp *entity.ProjectPhase, preview *service.ConditionsPreview) {
	fmt.Fprintf(out, "Project: %s\n", pp.ProjectID)
	fmt.Fprintf(out, "  Phase:  %s\n", preview.PhaseName)
	if pp.CurrentStep != nil {
		fmt.Fprintf(out, "  Step:   %s\n", *pp.CurrentStep)
	}
	fmt.Fprintf(out, "  Status: %s\n", statusColor(pp.Status).Sprint(pp.Status))
	if pp.ActualCompletionDate != nil {
		fmt.Fprintf(out, "  Completed: %s\n", pp.ActualCompletionDate.Format("2006-01-02 15:04"))
	}
	if len(pp.BlockingReasons) > 0 {
		fmt.Fprintln(out, "  Blocking reasons:")
		for _, r := range pp.BlockingReasons {
			fmt.Fprintf(out, "    - %s\n", failColor.Sprint(r))
		}
	}
	if len(preview.Conditions) == 0 {
		return
	}
	fmt.Fprintln(out, "  Conditions:")
	for _, c := range preview.Conditions {
		mark := successColor.Sprint("✓")
		if !c.Satisfied {
			mark = warnColor.Sprint("·")
		}
		line := fmt.Sprintf("    %s %s", mark, c.Name)
		if c.Reason != "" {
			line += mutedColor.Sprint("  " + c.Reason)
		}
		fmt.Fprintln(out, line)
	}
}

func newTransitionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Phase transition audit log",
	}

	var output string
	export := &cobra.Command{
		Use:   "export <projectId>",
		Short: "Export the transition log to an xlsx file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(true)
			if err != nil {
				return err
			}
			defer e.Close()

			f, filename, err := e.services.Phase.ExportTransitions(backgroundCtx(cmd), args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			path := output
			if path == "" {
				path = filename
			}
			if !strings.HasSuffix(strings.ToLower(path), ".xlsx") {
				path += ".xlsx"
			}
			if err := f.SaveAs(path); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", successColor.Sprint("✓"), filepath.Clean(path))
			return nil
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file (default <project>_transitions_<date>.xlsx)")
	cmd.AddCommand(export)

	return cmd
}
