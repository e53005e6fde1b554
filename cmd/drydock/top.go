package main

import (
	"github.com/fentz26/drydock/internal/tui"
	"github.com/spf13/cobra"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Open the live task dashboard",
	Long:  `Opens a terminal dashboard of tasks, their runs and server locks, served by a running controller.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.New(apiAddr).Run()
	},
}
