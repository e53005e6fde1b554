package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fentz26/drydock/internal/config"
	"github.com/fentz26/drydock/internal/fleet"
	"github.com/fentz26/drydock/internal/inventory"
	"github.com/fentz26/drydock/internal/process"
	"github.com/fentz26/drydock/internal/store"
	"github.com/fentz26/drydock/internal/task"
	"github.com/spf13/cobra"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Print the dynamic inventory of the running task",
	Long: `Prints the Ansible dynamic inventory for the task named by DRYDOCK_TASK_ID.
The controller sets DRYDOCK_TASK_ID and DRYDOCK_DB_URI for every runner it
starts, so this command can be used as the runner's inventory script.`,
	RunE: runInventory,
}

var (
	inventoryList bool
	inventoryHost string
)

func init() {
	inventoryCmd.Flags().BoolVar(&inventoryList, "list", false, "Print the whole inventory")
	inventoryCmd.Flags().StringVar(&inventoryHost, "host", "", "Print the variables of one host")
	inventoryCmd.MarkFlagsMutuallyExclusive("list", "host")
}

func runInventory(cmd *cobra.Command, args []string) error {
	if !inventoryList && inventoryHost == "" {
		return errors.New("one of --list or --host is required")
	}
	taskID := os.Getenv(process.EnvTaskID)
	if taskID == "" {
		return fmt.Errorf("%s is not set", process.EnvTaskID)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if uri := os.Getenv(process.EnvDBURI); uri != "" {
		sc := store.ParseURI(uri)
		cfg.Store.Driver, cfg.Store.DSN = sc.Driver, sc.DSN
	}

	ctx := cmd.Context()
	e, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	tasks := task.NewService(e.store, task.Config{}, e.log.Named("task"))
	inv, err := inventory.NewBuilder(tasks, fleet.New(e.store)).Build(ctx, taskID)
	if err != nil {
		return err
	}
	return inventory.Write(cmd.OutOrStdout(), inv, inventoryHost)
}
