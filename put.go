package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sharepoint-go/internal/obs"
	"github.com/tonimelisma/sharepoint-go/internal/upload"
)

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file to the configured library folder",
		Long: `Upload a file to the configured SharePoint library folder and print the
created item as JSON.

Files under 4 MiB are sent in one request and replace an existing item of
the same name. Larger files use an upload session, which fails if the name
is already taken.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPut,
	}

	cmd.Flags().String("name", "", "destination file name (default: local base name)")
	cmd.Flags().Bool("stdin", false, "read content from standard input (requires --name)")
	cmd.Flags().Int("retries", 0, "retry retryable failures this many times")
	cmd.Flags().String("dir", "", "destination folder, overriding site.upload_dir")
	cmd.Flags().Bool("resume", false, "continue a matching interrupted upload session")

	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	fromStdin, _ := cmd.Flags().GetBool("stdin")
	retries, _ := cmd.Flags().GetInt("retries")

	content, name, err := putContent(cmd.InOrStdin(), args, name, fromStdin)
	if err != nil {
		return err
	}

	if retries < 0 {
		return fmt.Errorf("--retries must be >= 0, got %d", retries)
	}

	logger := buildLogger()
	ctx, stop := shutdownContext(cmd.Context(), logger)
	defer stop()

	sess, err := NewSession(ctx, resolvedCfg, logger, obs.NewLogSink(logger))
	if err != nil {
		return err
	}
	defer sess.Close()

	router := sess.Router()

	var res *upload.Result

	err = newRetrier(retries, logger).do(ctx, func(ctx context.Context) error {
		var upErr error
		res, upErr = router.Upload(ctx, content, name)

		return upErr
	})
	if err != nil {
		return fmt.Errorf("uploading %q: %w", name, err)
	}

	statusf("Uploaded %s (%s, %s upload)\n", res.Item.Name, formatSize(res.Size), res.Strategy)

	return printItem(cmd.OutOrStdout(), res)
}

// putContent picks the payload. Stdin is read fully into memory; files are
// read in place and never modified.
func putContent(stdin io.Reader, args []string, name string, fromStdin bool) (upload.Content, string, error) {
	switch {
	case fromStdin && len(args) > 0:
		return upload.Content{}, "", fmt.Errorf("--stdin and a file argument are mutually exclusive")
	case fromStdin:
		if name == "" {
			return upload.Content{}, "", fmt.Errorf("--stdin requires --name")
		}

		data, err := io.ReadAll(stdin)
		if err != nil {
			return upload.Content{}, "", fmt.Errorf("reading stdin: %w", err)
		}

		return upload.FromBytes(data), name, nil
	case len(args) == 0:
		return upload.Content{}, "", fmt.Errorf("a file argument or --stdin is required")
	}

	fi, err := os.Stat(args[0])
	if err != nil {
		return upload.Content{}, "", fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return upload.Content{}, "", fmt.Errorf("%q is a directory, not a file", args[0])
	}

	if name == "" {
		name = filepath.Base(args[0])
	}

	return upload.FromFile(args[0]), name, nil
}

// printItem writes the item exactly as the server returned it, indented.
func printItem(w io.Writer, res *upload.Result) error {
	if len(res.Item.Raw) == 0 {
		return printJSON(w, res.Item)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Item.Raw, "", "  "); err != nil {
		return printJSON(w, res.Item)
	}

	buf.WriteByte('\n')

	_, err := buf.WriteTo(w)

	return err
}
