package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/ledger"
	"github.com/tonimelisma/sharepoint-go/internal/obs"
)

// State is the lifecycle of one session upload.
type State int

// Session upload states. Failed is reachable from both non-terminal states.
const (
	SessionPending State = iota
	Uploading
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case SessionPending:
		return "session-pending"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// largeUpload drives one file through an upload session. Chunks are sent
// strictly in order, each acknowledged before the next leaves.
type largeUpload struct {
	api    API
	store  SessionStore
	sink   obs.Sink
	logger *slog.Logger
	now    func() time.Time

	dest      graph.Destination
	content   io.ReaderAt
	size      int64
	hash      string
	chunkSize int64
	resume    bool

	state   State
	key     string
	session *graph.UploadSession
	next    int64
}

func (u *largeUpload) transition(to State) {
	u.logger.Debug("session upload state",
		slog.String("from", u.state.String()),
		slog.String("to", to.String()),
	)

	u.state = to
}

func (u *largeUpload) fail(err error) error {
	u.transition(Failed)

	return err
}

// run returns the finished item. On failure the persisted session record
// (if any) is left for a later resume; no cancel request is ever sent.
func (u *largeUpload) run(ctx context.Context) (*graph.Item, error) {
	u.state = SessionPending

	if err := ctx.Err(); err != nil {
		return nil, u.fail(cancelled(err))
	}

	if u.store != nil {
		u.key = ledger.SessionKey(u.dest.SiteID, u.dest.RootID, u.dest.Dir, u.dest.Name)
		u.tryResume(ctx)
	}

	if u.session == nil {
		session, err := u.api.CreateUploadSession(ctx, u.dest)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, u.fail(cancelled(ctxErr))
			}

			return nil, u.fail(fmt.Errorf("%w: %w", ErrSessionCreate, err))
		}

		u.session = session
		u.next = 0
		u.persist(ctx)
	}

	u.transition(Uploading)

	plan := PlanChunks(u.size, u.next, u.chunkSize)

	for i, c := range plan {
		if err := ctx.Err(); err != nil {
			return nil, u.fail(cancelled(err))
		}

		res, err := u.api.UploadChunk(ctx, u.session, io.NewSectionReader(u.content, c.Offset, c.Length),
			c.Offset, c.Length, u.size)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, u.fail(cancelled(ctxErr))
			}

			return nil, u.fail(&ChunkUploadError{Offset: c.Offset, Err: err})
		}

		u.next = c.End()

		u.sink.Emit(ctx, obs.Event{Name: obs.ChunkUploaded, Attrs: []slog.Attr{
			slog.Int64("offset", c.Offset),
			slog.Int64("length", c.Length),
			slog.Int64("total", u.size),
		}})

		last := i == len(plan)-1

		if !last {
			u.checkExpected(res, c)

			if u.store != nil {
				if err := u.store.UpdateOffset(ctx, u.key, u.next); err != nil {
					u.logger.Warn("failed to record upload progress", slog.String("error", err.Error()))
				}
			}

			continue
		}

		if res.Item == nil {
			return nil, u.fail(&ChunkUploadError{
				Offset: c.Offset,
				Err:    errors.New("final chunk acknowledged without item metadata"),
			})
		}

		u.transition(Completed)
		u.forget(ctx)

		return res.Item, nil
	}

	// Only reachable with an empty plan, which tryResume rules out.
	return nil, u.fail(&ChunkUploadError{Offset: u.next, Err: errors.New("no bytes left to send")})
}

// checkExpected compares the server's view of the next range with ours.
// A disagreement is logged; the following chunk PUT will fail if it matters.
func (u *largeUpload) checkExpected(res *graph.ChunkResult, c Chunk) {
	if res == nil || len(res.NextExpectedRanges) == 0 {
		return
	}

	next, err := graph.NextExpectedOffset(res.NextExpectedRanges)
	if err != nil || next != c.End() {
		u.logger.Warn("server expects a different next range",
			slog.Int64("sent_end", c.End()),
			slog.Any("next_expected", res.NextExpectedRanges),
		)
	}
}

// tryResume looks for a persisted session for the destination. With resume
// enabled and a matching record, it asks the server where to continue;
// otherwise the record is discarded and a new session will be created.
func (u *largeUpload) tryResume(ctx context.Context) {
	rec, err := u.store.LoadSession(ctx, u.key)
	if err != nil {
		u.logger.Warn("failed to load upload session", slog.String("error", err.Error()))

		return
	}

	if rec == nil {
		return
	}

	switch {
	case !u.resume:
		u.logger.Info("discarding previous upload session", slog.String("name", u.dest.Name))
	case rec.Size != u.size || rec.Hash != u.hash:
		u.logger.Info("previous upload session was for different content", slog.String("name", u.dest.Name))
	case !rec.ExpiresAt.IsZero() && !u.now().Before(rec.ExpiresAt):
		u.logger.Info("previous upload session expired", slog.String("name", u.dest.Name))
	default:
		if u.resumeFrom(ctx, rec) {
			return
		}
	}

	u.forget(ctx)
}

func (u *largeUpload) resumeFrom(ctx context.Context, rec *ledger.SessionRecord) bool {
	status, err := u.api.QueryUploadSession(ctx, &graph.UploadSession{UploadURL: rec.UploadURL})
	if err != nil {
		u.logger.Info("previous upload session is not resumable",
			slog.String("name", u.dest.Name),
			slog.String("error", err.Error()),
		)

		return false
	}

	next, err := graph.NextExpectedOffset(status.NextExpectedRanges)
	if err != nil || next >= u.size {
		u.logger.Info("previous upload session has no usable range", slog.String("name", u.dest.Name))

		return false
	}

	u.session = status
	u.next = next

	u.logger.Info("resuming upload session",
		slog.String("name", u.dest.Name),
		slog.Int64("offset", next),
		slog.Int64("size", u.size),
	)

	return true
}

func (u *largeUpload) persist(ctx context.Context) {
	if u.store == nil {
		return
	}

	err := u.store.SaveSession(ctx, &ledger.SessionRecord{
		Key:        u.key,
		SiteID:     u.dest.SiteID,
		RootID:     u.dest.RootID,
		Dir:        u.dest.Dir,
		Name:       u.dest.Name,
		UploadURL:  u.session.UploadURL,
		Size:       u.size,
		Hash:       u.hash,
		NextOffset: u.next,
		ExpiresAt:  u.session.ExpirationTime,
	})
	if err != nil {
		u.logger.Warn("failed to save upload session, resume will not be possible",
			slog.String("name", u.dest.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (u *largeUpload) forget(ctx context.Context) {
	if u.store == nil {
		return
	}

	if err := u.store.DeleteSession(context.WithoutCancel(ctx), u.key); err != nil {
		u.logger.Warn("failed to delete upload session record", slog.String("error", err.Error()))
	}
}
