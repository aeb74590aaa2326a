package intake

import (
	"errors"
	"fmt"

	apperrors "plantmeds/internal/errors"
	"plantmeds/pkg/validation"
)

// InvalidFileTypeAlert is shown to the user when a selection is rejected
const InvalidFileTypeAlert = "Please upload a valid image file (JPG, PNG, etc)."

// ErrInvalidFileType is returned (wrapped) for every rejected selection
var ErrInvalidFileType = errors.New("invalid file type")

// File is a user-selected upload
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// SelectedImage is an accepted file together with its preview reference
type SelectedImage struct {
	PreviewID  string
	PreviewURL string
	File       File
}

// Intake validates selections and manages their preview references
type Intake struct {
	previews  *PreviewStore
	validator *validation.MediaTypeValidator
}

// New creates an intake backed by the given store
func New(previews *PreviewStore, validator *validation.MediaTypeValidator) *Intake {
	return &Intake{previews: previews, validator: validator}
}

// Select accepts file if its declared media type is an image. On acceptance
// the previous preview (if any) is released before the new one is created.
// On rejection previous is left untouched and the error wraps ErrInvalidFileType.
func (in *Intake) Select(previous *SelectedImage, file File) (*SelectedImage, error) {
	if err := in.validator.Validate(file.MediaType, int64(len(file.Data))); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFileType, err)
	}

	in.Release(previous)

	id, url := in.previews.Create(file.MediaType, file.Data)
	return &SelectedImage{
		PreviewID:  id,
		PreviewURL: url,
		File:       file,
	}, nil
}

// Release revokes the preview of img. Nil images and repeated releases are no-ops.
func (in *Intake) Release(img *SelectedImage) {
	if img == nil || img.PreviewID == "" {
		return
	}
	in.previews.Revoke(img.PreviewID)
}

// Previews exposes the backing store for serving references
func (in *Intake) Previews() *PreviewStore {
	return in.previews
}

// AlertFor returns the user-facing message for a rejected selection
func AlertFor(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Message == "file too large" {
		return "The selected image is too large."
	}
	return InvalidFileTypeAlert
}
