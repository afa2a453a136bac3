package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"photoingest/internal/coordinator"
)

func newBatchCmd() *cobra.Command {
	var (
		meta        metadataFlags
		concurrency int
		batchID     string
	)
	cmd := &cobra.Command{
		Use:   "batch <file>...",
		Short: "Upload several photos and report the outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				batchID = uuid.NewString()
			}

			var items []coordinator.BatchItem
			for _, path := range args {
				file, closeFn, err := openFile(path)
				if err != nil {
					return err
				}
				defer closeFn()
				items = append(items, coordinator.BatchItem{File: file, Draft: meta.draft(path)})
			}

			summary := newClient().UploadBatch(cmd.Context(), batchID, items, concurrency)
			for i, res := range summary.Results {
				if res.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", items[i].File.Name, res.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s -> %s\n", items[i].File.Name, res.ImageID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s: %d/%d succeeded, %d failed\n",
				batchID, summary.SuccessCount, summary.TotalCount, summary.FailedCount)
			if !summary.Notification.OK() {
				fmt.Fprintln(cmd.ErrOrStderr(), "batch report was not delivered")
			}
			return nil
		},
	}
	meta.register(cmd)
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 3, "Uploads in flight at once")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "Correlation id for the batch report")
	return cmd
}
