package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/upload"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name> [local-path]",
		Short: "Download a file from the configured library folder",
		Long: `Download a file from the configured SharePoint library folder.

The local path defaults to the remote name in the current directory; "-"
writes to standard output. Content goes to <local-path>.partial first and
is renamed into place once complete.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}

	cmd.Flags().String("dir", "", "source folder, overriding site.upload_dir")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	name, err := upload.NormalizeName(args[0])
	if err != nil {
		return err
	}

	localPath := name
	if len(args) > 1 {
		localPath = args[1]
	}

	logger := buildLogger()
	ctx, stop := shutdownContext(cmd.Context(), logger)
	defer stop()

	sess, err := NewSession(ctx, resolvedCfg, logger, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	target, err := sess.Router().ResolveTarget(ctx)
	if err != nil {
		return err
	}

	body, err := sess.Client.Download(ctx, graph.Destination{
		SiteID: target.SiteID,
		RootID: target.RootID,
		Dir:    resolvedCfg.Site.UploadDir,
		Name:   name,
	})
	if err != nil {
		return fmt.Errorf("downloading %q: %w", name, err)
	}
	defer body.Close()

	if localPath == "-" {
		_, err := io.Copy(cmd.OutOrStdout(), body)

		return err
	}

	n, err := writeDownload(localPath, body)
	if err != nil {
		return err
	}

	logger.Debug("download complete", slog.String("local_path", localPath), slog.Int64("bytes", n))
	statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

	return nil
}

// writeDownload copies r into localPath via localPath.partial. The partial
// file is removed when the copy fails.
func writeDownload(localPath string, r io.Reader) (int64, error) {
	partialPath := localPath + ".partial"

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating %q: %w", partialPath, err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(partialPath)

		return 0, fmt.Errorf("writing %q: %w", partialPath, err)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return n, nil
}
