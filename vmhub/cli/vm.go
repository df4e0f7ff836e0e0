package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/vmhub/vmhub/client"
	"github.com/tomyedwab/vmhub/vmhub/lifecycle"
)

const requestTimeout = 60 * time.Second

var (
	launchInstanceType string
	launchRegion       string
	logsAfter          int64
	eventsInstance     string
	eventsLimit        int
)

var launchCmd = &cobra.Command{
	Use:   "launch NAME",
	Short: "Launch a new VM",
	Long:  `Copy the base image to NAME.qcow2, start an emulator for it and print the assigned SSH port.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runLaunch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all VMs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Stop a VM and remove its record and disk image",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a VM and whether its guest SSH server answers",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print captured emulator console output",
	Long: `Print the emulator output captured by the controller. Output is only
available for emulators started by the running controller.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the lifecycle audit trail",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	launchCmd.Flags().StringVar(&launchInstanceType, "instance-type", lifecycle.DefaultInstanceType, "Instance type label")
	launchCmd.Flags().StringVar(&launchRegion, "region", lifecycle.DefaultRegion, "Region label")
	logsCmd.Flags().Int64Var(&logsAfter, "after", 0, "Only print lines with an id greater than this")
	eventsCmd.Flags().StringVar(&eventsInstance, "instance", "", "Only show events of this VM id")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events")
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	resp, err := newClient().LaunchVM(ctx, args[0], launchInstanceType, launchRegion)
	if err != nil {
		return fmt.Errorf("launch VM: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Message)
	fmt.Fprintf(out, "  ID:       %s\n", resp.InstanceID)
	fmt.Fprintf(out, "  SSH port: %d\n", resp.SSHPort)
	fmt.Fprintf(out, "  PID:      %d\n", resp.PID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	vms, err := newClient().ListVMs(ctx)
	if err != nil {
		return fmt.Errorf("list VMs: %w", err)
	}
	if len(vms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No VMs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSSH PORT\tPID\tSTATUS")
	for _, vm := range vms {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", vm.ID, vm.Name, vm.SSHPort, vm.PID, vm.Status)
	}
	return w.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	message, err := newClient().DeleteVM(ctx, args[0])
	if client.IsNotFound(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "VM not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete VM: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), message)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	status, err := newClient().VMStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get VM status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", status.Name, status.ID)
	fmt.Fprintf(out, "  Status:    %s\n", status.Status)
	fmt.Fprintf(out, "  PID:       %d\n", status.PID)
	fmt.Fprintf(out, "  SSH port:  %d\n", status.SSHPort)
	fmt.Fprintf(out, "  SSH ready: %t\n", status.SSHReady)
	if status.HostKeyFingerprint != "" {
		fmt.Fprintf(out, "  Host key:  %s\n", status.HostKeyFingerprint)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	entries, err := newClient().VMLogs(ctx, args[0], logsAfter)
	if err != nil {
		return fmt.Errorf("get VM logs: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, entry := range entries {
		fmt.Fprintf(out, "%d %s [%s] %s\n", entry.ID, entry.Timestamp.Format(time.RFC3339), entry.Source, entry.Message)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	events, err := newClient().AuditEvents(ctx, eventsInstance, eventsLimit)
	if err != nil {
		return fmt.Errorf("get audit events: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No events found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tID\tNAME\tSSH PORT\tPID\tDETAIL")
	for _, e := range events {
		ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", ts, e.EventType, e.InstanceID, e.Name, e.SSHPort, e.PID, e.Detail)
	}
	return w.Flush()
}
