package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Item is the metadata of a drive item returned by an upload or lookup.
// Fields are decoded from the Graph driveItem schema; Raw keeps the exact
// response body so callers can pass the remote metadata through unchanged.
type Item struct {
	ID           string
	Name         string
	Size         int64
	ETag         string
	WebURL       string
	DriveID      string
	ParentID     string
	MimeType     string
	QuickXorHash string // base64, empty when the server did not report one
	IsFolder     bool
	CreatedAt    time.Time
	ModifiedAt   time.Time
	Raw          json.RawMessage
}

// Site is a SharePoint site resolved by hostname and server-relative path.
type Site struct {
	ID          string
	Name        string
	DisplayName string
	WebURL      string
}

// UploadSession is a server-side resumable upload context. UploadURL is
// pre-authenticated and must never be logged.
type UploadSession struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

// driveItemResponse mirrors the Graph API driveItem JSON.
// Unexported: callers use Item via decodeItem.
type driveItemResponse struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Size                 int64           `json:"size"`
	ETag                 string          `json:"eTag"`
	WebURL               string          `json:"webUrl"`
	CreatedDateTime      string          `json:"createdDateTime"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime"`
	ParentReference      *parentRef      `json:"parentReference"`
	File                 *fileFacet      `json:"file"`
	Folder               json.RawMessage `json:"folder"`
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
}

type siteResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// ErrMissingID is wrapped when a well-formed response lacks the id field.
var ErrMissingID = errors.New("graph: response missing id")

// decodeItem validates and normalizes a driveItem body. A response without
// an id is rejected rather than handed back as empty metadata.
func decodeItem(body []byte, logger *slog.Logger) (*Item, error) {
	var dir driveItemResponse
	if err := json.Unmarshal(body, &dir); err != nil {
		return nil, fmt.Errorf("graph: decoding drive item: %w", err)
	}

	if dir.ID == "" {
		return nil, fmt.Errorf("%w: drive item", ErrMissingID)
	}

	item := &Item{
		ID:         dir.ID,
		Name:       dir.Name,
		Size:       dir.Size,
		ETag:       dir.ETag,
		WebURL:     dir.WebURL,
		IsFolder:   len(dir.Folder) > 0 && string(dir.Folder) != "null",
		CreatedAt:  parseTimestamp(dir.CreatedDateTime, "createdDateTime", logger),
		ModifiedAt: parseTimestamp(dir.LastModifiedDateTime, "lastModifiedDateTime", logger),
		Raw:        json.RawMessage(body),
	}

	if dir.ParentReference != nil {
		item.DriveID = dir.ParentReference.DriveID
		item.ParentID = dir.ParentReference.ID
	}

	if dir.File != nil {
		item.MimeType = dir.File.MimeType
		if dir.File.Hashes != nil {
			item.QuickXorHash = dir.File.Hashes.QuickXorHash
		}
	}

	return item, nil
}

// parseTimestamp parses an RFC 3339 timestamp. Absent or malformed values
// become the zero time; malformed ones are logged.
func parseTimestamp(raw, field string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp in response, using zero time",
			slog.String("field", field),
			slog.String("raw", raw),
		)

		return time.Time{}
	}

	return t
}
