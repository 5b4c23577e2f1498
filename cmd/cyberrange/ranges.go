package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/cyberrange/pkg/types"
)

// Template commands
var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage VM templates",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		templates, err := c.ListTemplates()
		if err != nil {
			return err
		}

		w := newTable(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tNAME\tIMAGE\tCPUS\tMEMORY\tDISK")
		for _, t := range templates {
			disk := "-"
			if t.Disk != nil {
				disk = t.Disk.Name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%dMB\t%s\n",
				t.ID, t.Name, t.Image, t.Resources.CPUs, t.Resources.MemoryMB, disk)
		}
		return w.Flush()
	},
}

var templateRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a template no VM uses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteTemplate(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Template deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateRmCmd)
}

// Range commands
var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Manage ranges",
}

var rangeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ranges",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ranges, err := c.ListRanges()
		if err != nil {
			return err
		}

		w := newTable(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tAGE\tERROR")
		for _, r := range ranges {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, age(r.CreatedAt), orDash(r.Error))
		}
		return w.Flush()
	},
}

var rangeGetCmd = &cobra.Command{
	Use:   "get RANGE",
	Short: "Show a range with its networks and VMs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		detail, err := c.FindRange(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, detail)
		}

		fmt.Fprintf(out, "Range:   %s (%s)\n", detail.Name, detail.ID)
		fmt.Fprintf(out, "Status:  %s\n", detail.Status)
		if detail.Description != "" {
			fmt.Fprintf(out, "About:   %s\n", detail.Description)
		}
		if detail.Error != "" {
			fmt.Fprintf(out, "Error:   %s\n", detail.Error)
		}
		if detail.LastJobID != "" {
			fmt.Fprintf(out, "Job:     %s\n", detail.LastJobID)
		}

		netNames := make(map[string]string, len(detail.Networks))
		fmt.Fprintln(out)
		w := newTable(out)
		fmt.Fprintln(w, "NETWORK\tSUBNET\tGATEWAY\tISOLATION\tSTATUS")
		for _, n := range detail.Networks {
			netNames[n.ID] = n.Name
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.Name, n.Subnet, orDash(n.Gateway), n.Isolation, n.Status)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintln(out)
		w = newTable(out)
		fmt.Fprintln(w, "VM ID\tHOSTNAME\tNETWORK\tIP\tSTATUS\tERROR")
		for _, vm := range detail.VMs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				vm.ID, vm.Hostname, orDash(netNames[vm.NetworkID]), vm.IP, vm.Status, orDash(vm.Error))
		}
		return w.Flush()
	},
}

var rangeValidateCmd = &cobra.Command{
	Use:   "validate RANGE",
	Short: "Check a range's declaration without deploying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		detail, err := c.FindRange(args[0])
		if err != nil {
			return err
		}
		if err := c.ValidateRange(detail.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Range %s is valid\n", detail.Name)
		return nil
	},
}

var rangeDeleteCmd = &cobra.Command{
	Use:   "delete RANGE",
	Short: "Delete a range with no live resources",
	Long: `Delete a range and its records. The range must have been torn down
(or never deployed) and have no active jobs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		detail, err := c.FindRange(args[0])
		if err != nil {
			return err
		}
		if err := c.DeleteRange(detail.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Range deleted: %s\n", detail.Name)
		return nil
	},
}

func rangeActionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " RANGE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			detail, err := c.FindRange(args[0])
			if err != nil {
				return err
			}
			accepted, err := c.RangeAction(detail.ID, action)
			if err != nil {
				return err
			}
			return reportJob(cmd, c, titleCase(action)+" of "+detail.Name, accepted)
		},
	}
	addWaitFlag(cmd)
	return cmd
}

func rangeStatusCmd(use string, status types.RangeStatus, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " RANGE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			detail, err := c.FindRange(args[0])
			if err != nil {
				return err
			}
			r, err := c.SetRangeStatus(detail.ID, status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Range %s is %s\n", r.Name, r.Status)
			return nil
		},
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func init() {
	rangeGetCmd.Flags().Bool("json", false, "Print the range as JSON")

	rangeCmd.AddCommand(rangeListCmd)
	rangeCmd.AddCommand(rangeGetCmd)
	rangeCmd.AddCommand(rangeValidateCmd)
	rangeCmd.AddCommand(rangeDeleteCmd)
	rangeCmd.AddCommand(rangeActionCmd("deploy", "Deploy a draft range"))
	rangeCmd.AddCommand(rangeActionCmd("retry", "Retry the failed parts of a deployment"))
	rangeCmd.AddCommand(rangeActionCmd("start", "Start every VM of a stopped range"))
	rangeCmd.AddCommand(rangeActionCmd("stop", "Stop every VM of a range"))
	rangeCmd.AddCommand(rangeActionCmd("teardown", "Remove a range's containers and networks"))
	rangeCmd.AddCommand(rangeStatusCmd("archive", types.RangeStatusArchived, "Archive a torn-down range"))
	rangeCmd.AddCommand(rangeStatusCmd("draft", types.RangeStatusDraft, "Return an archived range to draft"))
}

// VM commands
var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage individual VMs",
}

var vmGetCmd = &cobra.Command{
	Use:   "get VM_ID",
	Short: "Show a VM with its snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		vm, err := c.GetVM(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, vm)
		}
		fmt.Fprintf(out, "VM:         %s (%s)\n", vm.Hostname, vm.ID)
		fmt.Fprintf(out, "Status:     %s\n", vm.Status)
		fmt.Fprintf(out, "IP:         %s\n", vm.IP)
		fmt.Fprintf(out, "Resources:  %g CPUs, %d MB\n", vm.Resources.CPUs, vm.Resources.MemoryMB)
		fmt.Fprintf(out, "Container:  %s\n", orDash(vm.RuntimeContainerID))
		if vm.Error != "" {
			fmt.Fprintf(out, "Error:      %s\n", vm.Error)
		}
		if len(vm.Snapshots) == 0 {
			return nil
		}

		fmt.Fprintln(out)
		w := newTable(out)
		fmt.Fprintln(w, "SNAPSHOT ID\tNAME\tIMAGE\tAGE")
		for _, s := range vm.Snapshots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, orDash(s.RuntimeImageID), age(s.CreatedAt))
		}
		return w.Flush()
	},
}

var vmSnapshotCmd = &cobra.Command{
	Use:   "snapshot VM_ID",
	Short: "Commit a VM's current state as a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		resp, err := c.SnapshotVM(args[0], name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot ID: %s\n", resp.SnapshotID)
		return reportJob(cmd, c, "Snapshot", &resp.JobResponse)
	},
}

func vmActionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " VM_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			accepted, err := c.VMAction(args[0], action)
			if err != nil {
				return err
			}
			return reportJob(cmd, c, titleCase(action)+" of VM "+args[0], accepted)
		},
	}
	addWaitFlag(cmd)
	return cmd
}

func init() {
	vmGetCmd.Flags().Bool("json", false, "Print the VM as JSON")
	vmSnapshotCmd.Flags().String("name", "", "Snapshot name (default snapshot-<timestamp>)")
	addWaitFlag(vmSnapshotCmd)

	vmCmd.AddCommand(vmGetCmd)
	vmCmd.AddCommand(vmSnapshotCmd)
	vmCmd.AddCommand(vmActionCmd("start", "Start a stopped VM"))
	vmCmd.AddCommand(vmActionCmd("stop", "Stop a running VM"))
	vmCmd.AddCommand(vmActionCmd("restart", "Restart a VM"))
	vmCmd.AddCommand(vmActionCmd("retry", "Recreate a failed VM"))
}
