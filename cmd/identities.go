package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kozaktomas/smart-attendance/internal/constants"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Manage enrolled identities",
	Long:  "List, remove and search the identities stored in PostgreSQL.",
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	RunE:  runIdentitiesList,
}

var identitiesRemoveCmd = &cobra.Command{
	Use:   "remove <person-id>...",
	Short: "Remove identities from the gallery",
	Long: `Remove identities and their reference embeddings.
Attendance ledger entries of removed people are kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIdentitiesRemove,
}

var identitiesNearestCmd = &cobra.Command{
	Use:   "nearest <image>",
	Short: "Show the identities closest to the face in an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitiesNearest,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesListCmd)
	identitiesCmd.AddCommand(identitiesRemoveCmd)
	identitiesCmd.AddCommand(identitiesNearestCmd)

	identitiesListCmd.Flags().Bool("embeddings", false, "Show the number of reference embeddings")
	identitiesNearestCmd.Flags().Int("limit", constants.DefaultNearestLimit, "Number of identities to show")
}

func runIdentitiesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	showEmbeddings := mustGetBool(cmd, "embeddings")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := requireStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()

	identities, err := store.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identities: %w", err)
	}
	if len(identities) == 0 {
		fmt.Println("No identities enrolled")
		return nil
	}

	fmt.Printf("%-16s %-32s %s\n", "PERSON", "NAME", "UPDATED")
	fmt.Println(strings.Repeat("-", 70))
	for _, id := range identities {
		line := fmt.Sprintf("%-16s %-32s %s", id.PersonID, id.Name, id.UpdatedAt.Format("2006-01-02 15:04"))
		if showEmbeddings {
			line += fmt.Sprintf("  (%d embeddings)", id.EmbeddingCount())
		}
		fmt.Println(line)
	}
	fmt.Printf("\nTotal: %d identities\n", len(identities))
	return nil
}

func runIdentitiesRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := requireStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()

	for _, personID := range args {
		if err := store.DeleteIdentity(ctx, personID); err != nil {
			return fmt.Errorf("failed to remove %s: %w", personID, err)
		}
		fmt.Printf("Removed %s\n", personID)
	}
	return nil
}

func runIdentitiesNearest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	limit := mustGetInt(cmd, "limit")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := requireStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()

	client := encoder.NewClient(cfg.Embedding.URL, cfg.Embedding.Dim,
		encoder.WithMaxImageSize(cfg.Embedding.MaxImageSize))
	emb, err := client.Encode(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	nearest, err := store.NearestIdentities(ctx, emb, limit)
	if err != nil {
		return fmt.Errorf("failed to search identities: %w", err)
	}
	if len(nearest) == 0 {
		fmt.Println("No identities enrolled")
		return nil
	}

	threshold := cfg.Attendance.Threshold
	for i, n := range nearest {
		marker := ""
		if n.Distance <= threshold {
			marker = "  <= threshold"
		}
		fmt.Printf("%2d. %-16s %-32s %.4f%s\n", i+1, n.PersonID, n.Name, n.Distance, marker)
	}
	return nil
}
