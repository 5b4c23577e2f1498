package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/cyberrange/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cyberrange",
	Short: "Cyber range deployment orchestrator",
	Long: `Cyberrange deploys isolated training ranges (networks of containers
standing in for VMs) onto a container runtime, tracks every long-running
operation as a job and streams range events to clients.

Run "cyberrange server" on the host with the runtime, then drive it from
anywhere with the remaining commands.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cyberrange version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	defaultServer := os.Getenv("CYBERRANGE_SERVER")
	if defaultServer == "" {
		defaultServer = "localhost:8080"
	}
	rootCmd.PersistentFlags().StringP("server", "s", defaultServer, "API server address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(rangeCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(artifactCmd)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
