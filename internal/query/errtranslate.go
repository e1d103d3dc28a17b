package query

import (
	"errors"

	"github.com/aws/smithy-go"

	apperrors "singletable/pkg/errors"
)

// translateQueryError maps a backend Query error to the AppError taxonomy
// (spec.md §7), mirroring internal/engine's write-error translation.
func translateQueryError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apperrors.NewInternal("backend query failed: "+apiErr.ErrorMessage(), err)
	}
	return apperrors.NewInternal("backend query failed", err)
}
