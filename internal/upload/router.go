// Package upload places files in a SharePoint document library. Router
// resolves the destination site and drive root, then sends content below
// graph.SimpleUploadMaxSize in one PUT and everything else through a
// resumable upload session.
//
// Nothing here retries. Every failure is a *StageError naming the step that
// failed so callers can decide whether another attempt is safe.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/ledger"
	"github.com/tonimelisma/sharepoint-go/internal/obs"
	"github.com/tonimelisma/sharepoint-go/pkg/quickxorhash"
)

// API is the subset of *graph.Client the router uses.
type API interface {
	Site(ctx context.Context, hostname, sitePath string) (*graph.Site, error)
	DriveRoot(ctx context.Context, siteID string) (*graph.Item, error)
	SimpleUpload(ctx context.Context, dest graph.Destination, r io.Reader, size int64) (*graph.Item, error)
	CreateUploadSession(ctx context.Context, dest graph.Destination) (*graph.UploadSession, error)
	UploadChunk(ctx context.Context, session *graph.UploadSession, chunk io.Reader, offset, length, total int64) (*graph.ChunkResult, error)
	QueryUploadSession(ctx context.Context, session *graph.UploadSession) (*graph.UploadSession, error)
}

// SessionStore persists session progress and completed uploads.
// Satisfied by *ledger.Store.
type SessionStore interface {
	SaveSession(ctx context.Context, rec *ledger.SessionRecord) error
	UpdateOffset(ctx context.Context, key string, offset int64) error
	LoadSession(ctx context.Context, key string) (*ledger.SessionRecord, error)
	DeleteSession(ctx context.Context, key string) error
	RecordUpload(ctx context.Context, e *ledger.HistoryEntry) error
}

// Config addresses the destination library and tunes transfers.
type Config struct {
	Hostname       string
	SitePath       string
	Dir            string
	ChunkSize      int64
	ResumeSessions bool
	StagingDir     string
}

// Target is a resolved destination library.
type Target struct {
	SiteID string
	RootID string
}

// Result is a completed upload.
type Result struct {
	Item         *graph.Item
	Strategy     string
	Size         int64
	LocalHash    string
	HashVerified bool
}

// Router uploads content to the configured library. Safe for concurrent
// use; concurrent uploads share only the API client's token cache.
type Router struct {
	api    API
	cfg    Config
	store  SessionStore
	sink   obs.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter returns a Router. store and sink may be nil.
func NewRouter(api API, cfg Config, store SessionStore, sink obs.Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		api:    api,
		cfg:    cfg,
		store:  store,
		sink:   obs.OrDiscard(sink),
		logger: logger,
		now:    time.Now,
	}
}

// ResolveTarget looks up the site, then its drive root. Both lookups run on
// every call; nothing is cached.
func (r *Router) ResolveTarget(ctx context.Context) (Target, error) {
	site, err := r.api.Site(ctx, r.cfg.Hostname, r.cfg.SitePath)
	if err != nil {
		return Target{}, r.lookupErr(ctx, StageResolveSite, ErrSiteResolution, err)
	}

	root, err := r.api.DriveRoot(ctx, site.ID)
	if err != nil {
		return Target{}, r.lookupErr(ctx, StageResolveDrive, ErrDriveResolution, err)
	}

	return Target{SiteID: site.ID, RootID: root.ID}, nil
}

func (r *Router) lookupErr(ctx context.Context, stage Stage, sentinel, err error) *StageError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stageErr(stage, cancelled(ctxErr))
	}

	return stageErr(stage, fmt.Errorf("%w: %w", sentinel, err))
}

// NormalizeName returns name in NFC, or ErrInvalidName when it is empty or
// contains a path separator.
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))

	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}

	return name, nil
}

// Upload sends content to the configured folder as name and returns the
// created item. Content of fewer than graph.SimpleUploadMaxSize bytes goes
// in a single PUT that replaces any existing item of the same name; larger
// content goes through an upload session that fails if the name is taken.
func (r *Router) Upload(ctx context.Context, content Content, name string) (*Result, error) {
	res, err := r.upload(ctx, content, name)
	if err != nil {
		r.logger.Warn("upload failed",
			slog.String("name", name),
			slog.String("stage", string(FailedStage(err))),
			slog.String("error", err.Error()),
		)
		r.sink.Emit(ctx, obs.Event{Name: obs.UploadFailed, Attrs: []slog.Attr{
			slog.String("name", name),
			slog.String("stage", string(FailedStage(err))),
		}})

		return nil, err
	}

	return res, nil
}

func (r *Router) upload(ctx context.Context, content Content, name string) (*Result, error) {
	staged, err := stage(content, r.cfg.StagingDir, r.logger)
	defer staged.cleanup()

	if err != nil {
		return nil, stageErr(StageContent, err)
	}

	name, err = NormalizeName(name)
	if err != nil {
		return nil, stageErr(StageContent, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, stageErr(StageContent, cancelled(err))
	}

	target, err := r.ResolveTarget(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(staged.path)
	if err != nil {
		return nil, stageErr(StageContent, fmt.Errorf("upload: opening content: %w", err))
	}
	defer f.Close()

	localHash, err := hashContent(f, staged.size)
	if err != nil {
		return nil, stageErr(StageContent, err)
	}

	dest := graph.Destination{SiteID: target.SiteID, RootID: target.RootID, Dir: r.cfg.Dir, Name: name}

	res := &Result{Size: staged.size, LocalHash: localHash}

	if staged.size < graph.SimpleUploadMaxSize {
		res.Strategy = ledger.StrategySmall

		item, err := r.api.SimpleUpload(ctx, dest, io.NewSectionReader(f, 0, staged.size), staged.size)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = cancelled(ctxErr)
			}

			return nil, stageErr(StageSmallUpload, err)
		}

		res.Item = item
	} else {
		res.Strategy = ledger.StrategyLarge

		lu := &largeUpload{
			api:       r.api,
			store:     r.store,
			sink:      r.sink,
			logger:    r.logger,
			now:       r.now,
			dest:      dest,
			content:   f,
			size:      staged.size,
			hash:      localHash,
			chunkSize: r.cfg.ChunkSize,
			resume:    r.cfg.ResumeSessions,
		}

		item, err := lu.run(ctx)
		if err != nil {
			return nil, stageErr(StageLargeUpload, err)
		}

		res.Item = item
	}

	res.HashVerified = r.verifyHash(ctx, res.Item, localHash)
	r.record(ctx, dest, res)

	r.logger.Info("upload complete",
		slog.String("name", name),
		slog.String("item_id", res.Item.ID),
		slog.Int64("size", staged.size),
		slog.String("strategy", res.Strategy),
	)
	r.sink.Emit(ctx, obs.Event{Name: obs.UploadCompleted, Attrs: []slog.Attr{
		slog.String("name", name),
		slog.Int64("size", staged.size),
		slog.String("strategy", res.Strategy),
	}})

	return res, nil
}

func hashContent(r io.ReaderAt, size int64) (string, error) {
	h := quickxorhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, size)); err != nil {
		return "", fmt.Errorf("upload: hashing content: %w", err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// verifyHash compares the server-reported digest with the local one. A
// mismatch is reported but does not fail the upload.
func (r *Router) verifyHash(ctx context.Context, item *graph.Item, local string) bool {
	if item.QuickXorHash == "" {
		return false
	}

	if item.QuickXorHash == local {
		return true
	}

	r.logger.Warn("uploaded content hash mismatch",
		slog.String("name", item.Name),
		slog.String("local_hash", local),
		slog.String("remote_hash", item.QuickXorHash),
	)
	r.sink.Emit(ctx, obs.Event{Name: obs.HashMismatch, Attrs: []slog.Attr{
		slog.String("name", item.Name),
	}})

	return false
}

func (r *Router) record(ctx context.Context, dest graph.Destination, res *Result) {
	if r.store == nil {
		return
	}

	err := r.store.RecordUpload(context.WithoutCancel(ctx), &ledger.HistoryEntry{
		ItemID:       res.Item.ID,
		SiteID:       dest.SiteID,
		Dir:          dest.Dir,
		Name:         dest.Name,
		Size:         res.Size,
		Strategy:     res.Strategy,
		WebURL:       res.Item.WebURL,
		Hash:         res.LocalHash,
		HashVerified: res.HashVerified,
	})
	if err != nil {
		r.logger.Warn("failed to record upload history", slog.String("error", err.Error()))
	}
}
