package validation

import (
	"mime"
	"strings"

	apperrors "plantmeds/internal/errors"
)

// MediaTypeValidator decides whether an uploaded file may be used as a leaf image
type MediaTypeValidator struct {
	allowedPrefixes []string
	maxBytes        int64
}

// NewMediaTypeValidator accepts any declared "image/*" type up to maxBytes.
// A maxBytes of zero or less disables the size check.
func NewMediaTypeValidator(maxBytes int64) *MediaTypeValidator {
	return &MediaTypeValidator{
		allowedPrefixes: []string{"image/"},
		maxBytes:        maxBytes,
	}
}

// Validate checks the declared media type and the size of an upload
func (v *MediaTypeValidator) Validate(mediaType string, size int64) error {
	if strings.TrimSpace(mediaType) == "" {
		return apperrors.NewInvalidFileTypeError("media type cannot be empty", nil)
	}

	// Parameters such as "; charset=" are not part of the type
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		base = strings.TrimSpace(mediaType)
	}

	if !v.isPrefixAllowed(strings.ToLower(base)) {
		return apperrors.NewInvalidFileTypeError("media type not allowed: "+base, nil)
	}

	if size == 0 {
		return apperrors.NewInvalidFileTypeError("file is empty", nil)
	}
	if v.maxBytes > 0 && size > v.maxBytes {
		return apperrors.NewInvalidFileTypeError("file too large", nil)
	}

	return nil
}

func (v *MediaTypeValidator) isPrefixAllowed(mediaType string) bool {
	for _, prefix := range v.allowedPrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}
