package main

import (
	"fmt"

	"github.com/fentz26/drydock/internal/audit"
	"github.com/fentz26/drydock/internal/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [collection] [model-id]",
	Short: "Restore a soft-deleted model",
	Long: `Restores a soft-deleted model by writing a new live version with the data of
its last version. Uniqueness is checked again, so a model whose unique key
was taken over by another live model cannot be restored.`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	collection := models.Collection(args[0])
	loader, err := a.fleet.Registry.Lookup(collection)
	if err != nil {
		return fmt.Errorf("%w (known: %v)", err, a.fleet.Registry.Collections())
	}

	e, err := loader.RestoreEntity(ctx, args[1], initiator)
	if err != nil {
		return err
	}
	meta := e.Meta()

	inputs := map[string]string{"collection": string(collection), "model_id": meta.ModelID, "initiator": initiator}
	if _, err := a.journal.Record(ctx, audit.ActionRestore, inputs, audit.OutcomeOK, "",
		fmt.Sprintf("%s %s restored as version %d", collection, meta.ModelID, meta.Version)); err != nil {
		a.log.Warn("Failed to write audit entry", zap.Error(err))
	}

	fmt.Printf("Restored %s %s (version %d)\n", collection, meta.ModelID, meta.Version)
	return nil
}
