package main

import (
	"fmt"
	"os"

	"github.com/bitfantasy/nimo-phasegate/internal/config"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/bootstrap"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTemplatesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage checklist templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or overwrite checklist templates from a YAML file",
		Long: `Import checklist templates from YAML. The file holds either a list of
templates or a document with a checklist_templates key, the same shape as
the server config:

  checklist_templates:
    - id: evt-basic
      name: EVT basic inspection
      gate_type: evt
      items:
        - description: No visible scratches
          severity: minor`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := readTemplateFile(args[0])
			if err != nil {
				return err
			}
			e, err := g.open(false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := bootstrap.Migrate(e.db); err != nil {
				return err
			}
			n, err := bootstrap.SeedTemplates(backgroundCtx(cmd), e.services.Inspection, templates)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s imported %d template(s)\n", successColor.Sprint("✓"), n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list [gate_type]",
		Short: "List checklist templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(false)
			if err != nil {
				return err
			}
			defer e.Close()

			gateType := ""
			if len(args) == 1 {
				gateType = args[0]
			}
			list, err := e.services.Inspection.ListTemplates(backgroundCtx(cmd), gateType)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range list {
				fmt.Fprintf(out, "%-20s %-10s %2d items  %s\n", t.ID, t.GateType, len(t.Items), t.Name)
			}
			return nil
		},
	})
	return cmd
}

type templateFile struct {
	ChecklistTemplates []config.ChecklistTemplate `yaml:"checklist_templates"`
}

// readTemplateFile 兼容顶层列表和 checklist_templates 两种写法
func readTemplateFile(path string) ([]config.ChecklistTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc templateFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.ChecklistTemplates) > 0 {
		return doc.ChecklistTemplates, nil
	}

	var list []config.ChecklistTemplate
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s contains no templates", path)
	}
	return list, nil
}
