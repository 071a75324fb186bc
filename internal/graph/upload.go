package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// SimpleUploadMaxSize is the exclusive upper bound for single-request
// uploads: 4.096 MiB, i.e. 4096 * 1024 bytes. Content of this size or larger
// must go through an upload session.
const SimpleUploadMaxSize = 4096 * 1024

// ChunkAlignment is the granularity upload chunk sizes should be multiples
// of (320 KiB). Only the final chunk may be shorter.
const ChunkAlignment = 320 * 1024

// MaxChunkSize is the largest chunk the upload session endpoint accepts.
const MaxChunkSize = 60 * 1024 * 1024

// ConflictFail makes session creation fail when an item with the same name
// already exists in the destination folder.
const ConflictFail = "fail"

// ErrInvalidRange is returned when nextExpectedRanges cannot be parsed.
var ErrInvalidRange = errors.New("graph: invalid expected range")

// Destination addresses a file inside a site's default document library:
// the root folder id, a folder path under it, and the file name.
type Destination struct {
	SiteID string
	RootID string
	Dir    string
	Name   string
}

// itemPath returns /sites/{site}/drive/items/{root}:/{dir}/{name}:{suffix}.
func (d Destination) itemPath(suffix string) string {
	rel := d.Name
	if dir := strings.Trim(d.Dir, "/"); dir != "" {
		rel = dir + "/" + d.Name
	}

	return fmt.Sprintf("/sites/%s/drive/items/%s:/%s:%s", d.SiteID, d.RootID, encodePathSegments(rel), suffix)
}

// ContentPath is the small-upload target for d.
func (d Destination) ContentPath() string {
	return d.itemPath("/content")
}

// SessionPath is the createUploadSession endpoint for d.
func (d Destination) SessionPath() string {
	return d.itemPath("/createUploadSession")
}

// Upload session request types for Graph API JSON serialization.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	Name             string `json:"name"`
}

// ChunkResult is the acknowledgement of one chunk PUT. Item is set only by
// the final chunk; intermediate chunks report the server's remaining ranges.
type ChunkResult struct {
	Item               *Item
	NextExpectedRanges []string
}

// SimpleUpload sends the whole content in a single PUT. The remote default
// conflict behavior applies (replace by name).
func (c *Client) SimpleUpload(ctx context.Context, dest Destination, r io.Reader, size int64) (*Item, error) {
	c.logger.Info("simple upload",
		slog.String("site_id", dest.SiteID),
		slog.String("dir", dest.Dir),
		slog.String("name", dest.Name),
		slog.Int64("size", size),
	)

	body, err := c.Put(ctx, dest.ContentPath(), r, size)
	if err != nil {
		return nil, err
	}

	item, err := decodeItem(body, c.logger)
	if err != nil {
		return nil, fmt.Errorf("graph: decoding simple upload response: %w", err)
	}

	return item, nil
}

// CreateUploadSession opens a resumable upload session for dest with
// conflict behavior "fail". The returned session URL is pre-authenticated.
func (c *Client) CreateUploadSession(ctx context.Context, dest Destination) (*UploadSession, error) {
	c.logger.Info("creating upload session",
		slog.String("site_id", dest.SiteID),
		slog.String("dir", dest.Dir),
		slog.String("name", dest.Name),
	)

	reqBody := createUploadSessionRequest{
		Item: uploadSessionItem{ConflictBehavior: ConflictFail, Name: dest.Name},
	}

	body, err := c.Post(ctx, dest.SessionPath(), reqBody)
	if err != nil {
		return nil, err
	}

	session, err := c.parseUploadSession(body)
	if err != nil {
		return nil, err
	}

	if session.UploadURL == "" {
		return nil, errors.New("graph: upload session response missing uploadUrl")
	}

	c.logger.Debug("upload session created",
		slog.Time("expires", session.ExpirationTime),
	)

	return session, nil
}

// UploadChunk PUTs one byte range to the session URL with
// Content-Range: bytes {offset}-{offset+length-1}/{total}.
// The session URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) UploadChunk(
	ctx context.Context, session *UploadSession, chunk io.Reader,
	offset, length, total int64,
) (*ChunkResult, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, chunk)
	if err != nil {
		return nil, fmt.Errorf("graph: creating chunk upload request: %w", err)
	}

	req.Header.Set("Content-Range", ContentRange(offset, length, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = length

	resp, err := c.doPreAuth(req)
	if err != nil {
		return nil, err
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	// 202 Accepted: intermediate chunk. 200/201: upload complete with item data.
	if resp.StatusCode == http.StatusAccepted {
		var status uploadSessionResponse
		if len(body) > 0 {
			if decErr := json.Unmarshal(body, &status); decErr != nil {
				c.logger.Warn("undecodable intermediate chunk response",
					slog.String("error", decErr.Error()),
				)
			}
		}

		return &ChunkResult{NextExpectedRanges: status.NextExpectedRanges}, nil
	}

	item, err := decodeItem(body, c.logger)
	if err != nil {
		return nil, fmt.Errorf("graph: decoding final chunk response: %w", err)
	}

	c.logger.Debug("upload complete",
		slog.String("item_id", item.ID),
		slog.String("item_name", item.Name),
	)

	return &ChunkResult{Item: item}, nil
}

// QueryUploadSession fetches the session status to learn which byte ranges
// the server still expects. Used to resume an interrupted session.
func (c *Client) QueryUploadSession(ctx context.Context, session *UploadSession) (*UploadSession, error) {
	c.logger.Info("querying upload session status")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.UploadURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("graph: creating query session request: %w", err)
	}

	resp, err := c.doPreAuth(req)
	if err != nil {
		return nil, err
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	status, err := c.parseUploadSession(body)
	if err != nil {
		return nil, err
	}

	// The status response may omit uploadUrl; keep the one we queried.
	if status.UploadURL == "" {
		status.UploadURL = session.UploadURL
	}

	c.logger.Debug("upload session status",
		slog.Int("pending_ranges", len(status.NextExpectedRanges)),
	)

	return status, nil
}

func (c *Client) parseUploadSession(body []byte) (*UploadSession, error) {
	var usr uploadSessionResponse
	if err := json.Unmarshal(body, &usr); err != nil {
		return nil, fmt.Errorf("graph: decoding upload session response: %w", err)
	}

	return &UploadSession{
		UploadURL:          usr.UploadURL,
		ExpirationTime:     parseTimestamp(usr.ExpirationDateTime, "expirationDateTime", c.logger),
		NextExpectedRanges: usr.NextExpectedRanges,
	}, nil
}

// ContentRange formats the Content-Range header for a chunk.
func ContentRange(offset, length, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total)
}

// NextExpectedOffset returns the start of the first range in a
// nextExpectedRanges list ("start-end" or "start-").
func NextExpectedOffset(ranges []string) (int64, error) {
	if len(ranges) == 0 {
		return 0, fmt.Errorf("%w: empty range list", ErrInvalidRange)
	}

	start, _, _ := strings.Cut(ranges[0], "-")

	n, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, ranges[0])
	}

	return n, nil
}
