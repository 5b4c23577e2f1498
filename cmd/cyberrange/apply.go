package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/cyberrange/pkg/client"
	"github.com/cuemby/cyberrange/pkg/declare"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declaration file",
	Long: `Create the templates and ranges declared in a YAML file.

Documents are applied in order. Templates and ranges that already exist by
name are left untouched.

Examples:
  # Register templates and create a draft range
  cyberrange apply -f lab.yaml

  # Create and deploy, following progress
  cyberrange apply -f lab.yaml --deploy --wait`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().Bool("deploy", false, "Deploy ranges created by this apply")
	addWaitFlag(applyCmd)
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	deployAfter, _ := cmd.Flags().GetBool("deploy")
	out := cmd.OutOrStdout()

	file, err := declare.Load(filename)
	if err != nil {
		return err
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	for _, t := range file.Templates {
		created, err := c.CreateTemplate(t)
		switch {
		case client.IsConflict(err):
			fmt.Fprintf(out, "Template already exists: %s (skipping)\n", t.Name)
		case err != nil:
			return fmt.Errorf("failed to create template %s: %w", t.Name, err)
		default:
			fmt.Fprintf(out, "✓ Template created: %s (ID: %s)\n", created.Name, created.ID)
		}
	}

	for _, r := range file.Ranges {
		if existing, err := c.FindRange(r.Name); err == nil {
			fmt.Fprintf(out, "Range already exists: %s (ID: %s, %s) (skipping)\n", r.Name, existing.ID, existing.Status)
			continue
		} else if !client.IsNotFound(err) {
			return err
		}

		detail, err := c.CreateRange(r)
		if err != nil {
			return fmt.Errorf("failed to create range %s: %w", r.Name, err)
		}
		fmt.Fprintf(out, "✓ Range created: %s (ID: %s, %d networks, %d VMs)\n",
			detail.Name, detail.ID, len(detail.Networks), len(detail.VMs))

		if deployAfter {
			accepted, err := c.RangeAction(detail.ID, "deploy")
			if err != nil {
				return fmt.Errorf("failed to deploy range %s: %w", r.Name, err)
			}
			if err := reportJob(cmd, c, "Deploy of "+detail.Name, accepted); err != nil {
				return err
			}
		}
	}
	return nil
}
