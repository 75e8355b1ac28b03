package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a directory of images into a vector store collection",
	Long: `Walks a directory tree for images, de-duplicates by content hash,
delegates embedding and captioning to the ML service, and batches the
results into a vector store collection.

Example:
  pixelsync ingest --dir ./photos --collection family-photos

Environment Variables:
  PIXELSYNC_VECTOR_STORE_API_KEY   For the Pinecone backend
  PIXELSYNC_ML_SERVICE_BASE_URL    Override the embedding/captioning service URL`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringP("dir", "d", "", "directory to scan for images (required)")
	ingestCmd.Flags().StringP("collection", "c", "", "target vector store collection (required)")
	ingestCmd.Flags().Int("vector-size", 0, "vector size to create the collection with, if missing (0 = use config default)")
	ingestCmd.Flags().String("distance", "", "distance metric to create the collection with, if missing (Cosine, Euclid, Dot)")
	_ = ingestCmd.MarkFlagRequired("dir")
	_ = ingestCmd.MarkFlagRequired("collection")
}

func runIngest(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	collection, _ := cmd.Flags().GetString("collection")
	vectorSize, _ := cmd.Flags().GetInt("vector-size")
	distanceFlag, _ := cmd.Flags().GetString("distance")
	verbose := viper.GetBool("verbose")

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("directory %q is not accessible: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, requesting cancellation...")
		cancel()
	}()

	a, err := newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize pixelsync: %w", err)
	}
	defer a.Close()

	exists, err := a.store.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", collection, err)
	}
	if !exists {
		size := vectorSize
		if size <= 0 {
			size = a.cfg.MLService.VectorSize
		}
		distance := distanceFlag
		if distance == "" {
			distance = a.cfg.VectorStore.DefaultMetric
		}
		fmt.Fprintf(os.Stderr, "Collection %q does not exist, creating it (vector size %d, distance %s)...\n", collection, size, distance)
		if err := a.store.CreateCollection(ctx, collection, size, parseDistance(distance)); err != nil {
			return fmt.Errorf("create collection %q: %w", collection, err)
		}
	}

	fmt.Fprintf(os.Stderr, "Scanning %s into collection %q...\n", dir, collection)
	id := a.manager.StartIngest(collection, dir)

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	var lastPercent int
	var snap types.Snapshot
	for {
		snap, err = a.manager.Get(id)
		if err != nil {
			return fmt.Errorf("poll job %s: %w", id, err)
		}
		if snap.ProgressPct > lastPercent {
			_ = bar.Set(snap.ProgressPct)
			lastPercent = snap.ProgressPct
		}
		if snap.Status.Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			_ = a.manager.Cancel(id)
		case <-time.After(100 * time.Millisecond):
		}
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	printIngestSummary(snap, verbose)

	if snap.Status == types.StatusFailed {
		return fmt.Errorf("ingestion job %s failed", id)
	}
	return nil
}

func printIngestSummary(snap types.Snapshot, verbose bool) {
	fmt.Println()
	fmt.Println("=== Ingest Complete ===")
	fmt.Println()
	fmt.Printf("Status:            %s\n", snap.Status)
	fmt.Printf("Files processed:   %d\n", snap.Counters.Processed)
	fmt.Printf("Files failed:      %d\n", snap.Counters.Failed)
	fmt.Printf("Resolved by cache: %d\n", snap.Counters.FromCache)

	if verbose && snap.Result != nil {
		for _, f := range snap.Result.FailedFiles {
			fmt.Printf("  FAILED %s: %s (%s)\n", f.Path, f.Reason, f.Detail)
		}
	}
}
