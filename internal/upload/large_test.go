package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sharepoint-go/internal/graph"
	"github.com/tonimelisma/sharepoint-go/internal/obs"
)

// stubAPI answers session calls from memory. Lookups and small uploads are
// not used by largeUpload.
type stubAPI struct {
	API

	createErr error
	chunkErr  map[int64]error
	finalItem *graph.Item
	offsets   []int64
}

func (s *stubAPI) CreateUploadSession(context.Context, graph.Destination) (*graph.UploadSession, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}

	return &graph.UploadSession{UploadURL: "https://upload.example/s", ExpirationTime: time.Now().Add(time.Hour)}, nil
}

func (s *stubAPI) UploadChunk(_ context.Context, _ *graph.UploadSession, chunk io.Reader, offset, length, total int64) (*graph.ChunkResult, error) {
	if err := s.chunkErr[offset]; err != nil {
		return nil, err
	}

	n, _ := io.Copy(io.Discard, chunk)
	if n != length {
		return nil, errors.New("short chunk")
	}

	s.offsets = append(s.offsets, offset)

	if offset+length < total {
		return &graph.ChunkResult{}, nil
	}

	return &graph.ChunkResult{Item: s.finalItem}, nil
}

func newLargeUpload(api API, data []byte) *largeUpload {
	return &largeUpload{
		api:       api,
		sink:      obs.Discard,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
		dest:      graph.Destination{SiteID: "s", RootID: "r", Name: "big.bin"},
		content:   bytes.NewReader(data),
		size:      int64(len(data)),
		chunkSize: graph.ChunkAlignment,
	}
}

func TestLargeUpload_CompletesInOrder(t *testing.T) {
	api := &stubAPI{finalItem: &graph.Item{ID: "done"}}
	u := newLargeUpload(api, pattern(3*graph.ChunkAlignment+5))

	item, err := u.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", item.ID)
	assert.Equal(t, Completed, u.state)
	assert.Equal(t, []int64{0, graph.ChunkAlignment, 2 * graph.ChunkAlignment, 3 * graph.ChunkAlignment}, api.offsets)
}

func TestLargeUpload_FinalChunkWithoutItemFails(t *testing.T) {
	api := &stubAPI{}
	u := newLargeUpload(api, pattern(graph.ChunkAlignment))

	_, err := u.run(context.Background())

	var chunkErr *ChunkUploadError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, int64(0), chunkErr.Offset)
	assert.Equal(t, Failed, u.state)
}

func TestLargeUpload_CreateFailure(t *testing.T) {
	api := &stubAPI{createErr: &graph.APIError{StatusCode: 409, Err: graph.ErrConflict}}
	u := newLargeUpload(api, pattern(graph.ChunkAlignment))

	_, err := u.run(context.Background())
	require.ErrorIs(t, err, ErrSessionCreate)
	assert.ErrorIs(t, err, graph.ErrConflict)
	assert.Equal(t, Failed, u.state)
	assert.Empty(t, api.offsets)
}

func TestLargeUpload_StopsAtFirstChunkError(t *testing.T) {
	boom := errors.New("boom")
	api := &stubAPI{chunkErr: map[int64]error{graph.ChunkAlignment: boom}}
	u := newLargeUpload(api, pattern(3*graph.ChunkAlignment))

	_, err := u.run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int64{0}, api.offsets)
	assert.Equal(t, Failed, u.state)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "session-pending", SessionPending.String())
	assert.Equal(t, "uploading", Uploading.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
