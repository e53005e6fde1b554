package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/drydock/internal/audit"
	"github.com/fentz26/drydock/internal/controlplane"
	"github.com/fentz26/drydock/internal/fleet"
	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/resourcelock"
	"github.com/fentz26/drydock/internal/task"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
}

var taskCreatePlaybookCmd = &cobra.Command{
	Use:   "playbook [entry-point]",
	Short: "Create a playbook task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCreatePlaybook,
}

var taskCreateDiscoveryCmd = &cobra.Command{
	Use:   "discovery [host]",
	Short: "Create a server discovery task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCreateDiscovery,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details and runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete finished tasks whose TTL passed",
	RunE:  runTaskSweep,
}

var (
	executionID  string
	serverIDs    []string
	clusterID    string
	extraVars    []string
	discoverUser string
	stateFilter  []string
	listLimit    int
	initiator    string
)

func init() {
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskSweepCmd)
	taskCreateCmd.AddCommand(taskCreatePlaybookCmd, taskCreateDiscoveryCmd)

	taskCreateCmd.PersistentFlags().StringVar(&executionID, "execution-id", "", "Execution the task belongs to")

	taskCreatePlaybookCmd.Flags().StringSliceVar(&serverIDs, "server", nil, "Target server id (repeatable)")
	taskCreatePlaybookCmd.Flags().StringVar(&clusterID, "cluster", "", "Target every live server of this cluster")
	taskCreatePlaybookCmd.Flags().StringArrayVar(&extraVars, "extra", nil, "Extra variable as key=value (repeatable)")

	taskCreateDiscoveryCmd.Flags().StringVar(&discoverUser, "user", "root", "SSH user for discovery")

	taskListCmd.Flags().StringSliceVar(&stateFilter, "state", nil, "Filter by state (created, started, canceling, completed, canceled, failed)")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum number of tasks")

	taskCancelCmd.Flags().StringVar(&executionID, "execution-id", "", "Execution the cancel task belongs to")

	hostname, _ := os.Hostname()
	rootCmd.PersistentFlags().StringVar(&initiator, "initiator", fmt.Sprintf("cli@%s", hostname), "Initiator recorded on changes")
}

// admin bundles the services the administrative commands work through.
// It talks to the store directly, so it works without a running controller.
type admin struct {
	*env
	tasks   *task.Service
	fleet   *fleet.Fleet
	journal *audit.Journal
	service *controlplane.Service
}

func openAdmin(ctx context.Context) (*admin, error) {
	e, err := openEnv(ctx)
	if err != nil {
		return nil, err
	}
	tasks := task.NewService(e.store, task.Config{
		TTL:      e.cfg.Controller.TaskTTL,
		Hostname: e.cfg.Controller.Hostname,
	}, e.log.Named("task"))
	journal := audit.NewJournal(e.store)
	locker := resourcelock.NewServerLocker(e.store, resourcelock.Config{Lease: e.cfg.Lock.Lease}, e.log.Named("lock"))
	return &admin{
		env:     e,
		tasks:   tasks,
		fleet:   fleet.New(e.store),
		journal: journal,
		service: controlplane.NewService(e.store, tasks, journal, locker, e.log.Named("admin")),
	}, nil
}

func runTaskCreatePlaybook(cmd *cobra.Command, args []string) error {
	extra, err := parseExtraVars(extraVars)
	if err != nil {
		return err
	}
	return createTask(cmd.Context(), controlplane.CreateTaskRequest{
		Type:        models.TaskTypePlaybook,
		ExecutionID: executionID,
		Playbook: &models.PlaybookData{
			EntryPoint: args[0],
			ServerIDs:  serverIDs,
			ClusterID:  clusterID,
			Extra:      extra,
		},
	})
}

func runTaskCreateDiscovery(cmd *cobra.Command, args []string) error {
	return createTask(cmd.Context(), controlplane.CreateTaskRequest{
		Type:        models.TaskTypeServerDiscovery,
		ExecutionID: executionID,
		Discovery:   &models.DiscoveryData{Host: args[0], Username: discoverUser},
	})
}

func createTask(ctx context.Context, req controlplane.CreateTaskRequest) error {
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.service.CreateTask(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Created task: %s\n", t.ID)
	return nil
}

func parseExtraVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid extra variable %q, expected key=value", p)
		}
		extra[k] = v
	}
	return extra, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	states := make([]models.TaskState, 0, len(stateFilter))
	for _, s := range stateFilter {
		states = append(states, models.TaskState(s))
	}
	tasks, err := a.service.ListTasks(ctx, states, listLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATE\tENTRY POINT\tEXECUTOR\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, t.State, truncate(t.EntryPoint(), 30), executor(t), formatUnix(t.Time.Created))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.service.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	runs, err := a.service.TaskRuns(ctx, t.ID)
	if err != nil {
		return err
	}

	fmt.Printf("ID:           %s\n", t.ID)
	fmt.Printf("Type:         %s\n", t.Type)
	fmt.Printf("State:        %s\n", t.State)
	fmt.Printf("Entry Point:  %s\n", t.EntryPoint())
	if t.ExecutionID != "" {
		fmt.Printf("Execution:    %s\n", t.ExecutionID)
	}
	fmt.Printf("Executor:     %s\n", executor(t))
	fmt.Printf("Bounced:      %d\n", t.Bounced)
	fmt.Printf("Created:      %s\n", formatUnix(t.Time.Created))
	fmt.Printf("Started:      %s\n", formatUnix(t.Time.Started))
	fmt.Printf("Updated:      %s\n", formatUnix(t.Time.Updated))
	if t.TTL != 0 {
		fmt.Printf("Expires:      %s\n", formatUnix(t.TTL))
	}
	if t.Error != "" {
		fmt.Printf("Error:        %s\n", t.Error)
	}
	fmt.Printf("Data:         %s\n", string(t.Data))

	if len(runs) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Println("Runs:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tPID\tEXIT\tSTARTED\tENDED")
	for _, r := range runs {
		fmt.Fprintf(w, "  %s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID), r.PID, r.ExitCode, formatUnix(r.StartedAt), formatUnix(r.EndedAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if last := runs[len(runs)-1]; last.Stderr != "" {
		fmt.Println()
		fmt.Println("Last stderr:")
		fmt.Println(strings.TrimRight(last.Stderr, "\n"))
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.service.CancelTask(ctx, args[0], executionID)
	if err != nil {
		return err
	}
	fmt.Printf("Cancel requested for %s (cancel task %s)\n", args[0], t.ID)
	return nil
}

func runTaskSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.service.SweepTasks(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired tasks\n", n)
	return nil
}

func executor(t *models.Task) string {
	if t.ExecutorHost == "" {
		return "-"
	}
	return fmt.Sprintf("%s/%d", t.ExecutorHost, t.ExecutorPID)
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
