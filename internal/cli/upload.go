package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"photoingest/internal/coordinator"
	"photoingest/internal/models"
)

type metadataFlags struct {
	title    string
	category string
	location string
	tags     []string
}

func (m *metadataFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.title, "title", "", "Image title (defaults to the file name)")
	cmd.Flags().StringVar(&m.category, "category", "", "Category reference")
	cmd.Flags().StringVar(&m.location, "location", "", "Where the photo was taken")
	cmd.Flags().StringSliceVar(&m.tags, "tag", nil, "Tag, repeatable")
	_ = cmd.MarkFlagRequired("category")
}

func (m *metadataFlags) draft(path string) models.Metadata {
	title := m.title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return models.Metadata{Title: title, Category: m.category, Location: m.location, Tags: m.tags}
}

func openFile(path string) (coordinator.File, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return coordinator.File{}, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return coordinator.File{}, nil, err
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return coordinator.File{
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        st.Size(),
		Body:        f,
	}, f.Close, nil
}

func newUploadCmd() *cobra.Command {
	var meta metadataFlags
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload one photo and print its image id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, closeFn, err := openFile(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			events, results := newClient().BeginUpload(cmd.Context(), file, meta.draft(args[0]))
			for ev := range events {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%-9s %3d%%", ev.Phase, ev.Percent)
			}
			fmt.Fprintln(cmd.ErrOrStderr())

			res := <-results
			if res.Err != nil {
				return fmt.Errorf("upload failed: %w", res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Image: %s\nStatus: %s\n", res.ImageID, res.ProcessingStatus)
			return nil
		},
	}
	meta.register(cmd)
	return cmd
}
