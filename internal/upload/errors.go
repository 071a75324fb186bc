package upload

import (
	"errors"
	"fmt"
)

// Stage names the step of an upload that failed.
type Stage string

// Upload stages, in the order they run.
const (
	StageContent      Stage = "stage-content"
	StageResolveSite  Stage = "resolve-site"
	StageResolveDrive Stage = "resolve-drive"
	StageSmallUpload  Stage = "small-upload"
	StageLargeUpload  Stage = "large-upload"
)

// Sentinel errors. Match with errors.Is on the error returned by Upload.
var (
	ErrSiteResolution  = errors.New("upload: site could not be resolved")
	ErrDriveResolution = errors.New("upload: drive root could not be resolved")
	ErrSessionCreate   = errors.New("upload: upload session could not be created")
	ErrCancelled       = errors.New("upload: cancelled")
	ErrInvalidName     = errors.New("upload: invalid destination name")
)

// StageError is every failure returned by Router.Upload: the stage that
// failed and the first error encountered there.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("upload: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ChunkUploadError reports a chunk PUT that failed. The server-side session
// is left as is.
type ChunkUploadError struct {
	Offset int64
	Err    error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("chunk at offset %d: %v", e.Offset, e.Err)
}

func (e *ChunkUploadError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, or "" when err did not come
// from an upload.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}

	return ""
}

func stageErr(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
