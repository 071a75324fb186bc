package upload

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const stagingFilePerms = 0o600

type contentKind int

const (
	kindBytes contentKind = iota
	kindFile
	kindStaging
)

// Content is the payload handed to Router.Upload.
type Content struct {
	kind contentKind
	data []byte
	path string
}

// FromBytes uploads an in-memory buffer. The router writes it to a staging
// file for the duration of the call and removes it afterwards.
func FromBytes(data []byte) Content {
	return Content{kind: kindBytes, data: data}
}

// FromFile uploads a file in place. The router never modifies or removes it.
func FromFile(path string) Content {
	return Content{kind: kindFile, path: path}
}

// FromStagingFile uploads a temporary file the router takes ownership of:
// it is removed when Upload returns, on success and on failure.
func FromStagingFile(path string) Content {
	return Content{kind: kindStaging, path: path}
}

// stagedContent is content materialized on disk.
type stagedContent struct {
	path    string
	size    int64
	cleanup func()
}

// stage resolves content to a readable file. cleanup is always non-nil and
// must run on every exit path, including when stage itself fails.
func stage(c Content, dir string, logger *slog.Logger) (*stagedContent, error) {
	sc := &stagedContent{cleanup: func() {}}

	switch c.kind {
	case kindBytes:
		path, err := writeStagingFile(dir, c.data)
		sc.cleanup = removeFunc(path, logger)
		if err != nil {
			return sc, err
		}

		sc.path = path
	case kindStaging:
		sc.cleanup = removeFunc(c.path, logger)
		sc.path = c.path
	default:
		sc.path = c.path
	}

	if sc.path == "" {
		return sc, errors.New("upload: content has no path")
	}

	info, err := os.Stat(sc.path)
	if err != nil {
		return sc, fmt.Errorf("upload: stat content: %w", err)
	}

	if !info.Mode().IsRegular() {
		return sc, fmt.Errorf("upload: %s is not a regular file", sc.path)
	}

	sc.size = info.Size()

	return sc, nil
}

// writeStagingFile writes data to a uniquely named file in dir (the system
// temp dir when empty). The returned path is set whenever a file was created.
func writeStagingFile(dir string, data []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	path := filepath.Join(dir, "sharepoint-go-"+uuid.NewString()+".tmp")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, stagingFilePerms)
	if err != nil {
		return "", fmt.Errorf("upload: creating staging file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return path, fmt.Errorf("upload: writing staging file: %w", err)
	}

	if err := f.Close(); err != nil {
		return path, fmt.Errorf("upload: closing staging file: %w", err)
	}

	return path, nil
}

func removeFunc(path string, logger *slog.Logger) func() {
	if path == "" {
		return func() {}
	}

	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove staging file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return
		}

		logger.Debug("removed staging file", slog.String("path", path))
	}
}
