package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"metrics-pipeline/internal/app"
)

var (
	entityName   string
	entitySymbol string
	entityType   string
	entitySector string
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Manage the cross-feed entity registry",
}

var entitiesCreateCmd = &cobra.Command{
	Use:   "create <canonical-id>",
	Short: "Create a new entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().EntityCreate(cmd.Context(), app.EntityCreateOptions{
			CanonicalID: args[0],
			Name:        entityName,
			Symbol:      entitySymbol,
			Type:        entityType,
			Sector:      entitySector,
		})
	},
}

var entitiesRegisterCmd = &cobra.Command{
	Use:   "register <canonical-id> <feed> <source-id>",
	Short: "Map a feed-local identifier onto an entity",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().EntityRegister(cmd.Context(), args[0], args[1], args[2])
	},
}

var entitiesMergeCmd = &cobra.Command{
	Use:   "merge <duplicate-id> <survivor-id>",
	Short: "Fold a duplicate entity into a survivor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == args[1] {
			return fmt.Errorf("duplicate and survivor must differ")
		}
		return getApp().EntityMerge(cmd.Context(), args[0], args[1])
	},
}

var entitiesResolveCmd = &cobra.Command{
	Use:   "resolve [canonical-id]",
	Short: "Show an entity's feed mappings, or list all entities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		canonicalID := ""
		if len(args) == 1 {
			canonicalID = args[0]
		}
		return getApp().EntityResolve(cmd.Context(), canonicalID)
	},
}

var entitiesReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove source mappings whose entity no longer exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().EntityReconcile(cmd.Context())
	},
}

func init() {
	entitiesCreateCmd.Flags().StringVar(&entityName, "name", "", "Human-readable name")
	entitiesCreateCmd.Flags().StringVar(&entitySymbol, "symbol", "", "Ticker symbol")
	entitiesCreateCmd.Flags().StringVar(&entityType, "type", "crypto", "Entity type (crypto, equity, ...)")
	entitiesCreateCmd.Flags().StringVar(&entitySector, "sector", "", "Sector classification")

	entitiesCmd.AddCommand(entitiesCreateCmd)
	entitiesCmd.AddCommand(entitiesRegisterCmd)
	entitiesCmd.AddCommand(entitiesMergeCmd)
	entitiesCmd.AddCommand(entitiesResolveCmd)
	entitiesCmd.AddCommand(entitiesReconcileCmd)
}
