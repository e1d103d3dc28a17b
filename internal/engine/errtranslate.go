package engine

import (
	"errors"

	"github.com/aws/smithy-go"

	apperrors "singletable/pkg/errors"
)

// translateWriteError maps a TableClient write error to the AppError
// taxonomy (spec.md §7): a failed conditional check is a VersionConflict
// (the only conditions this engine issues are absence/version checks), a
// cancelled transaction carries its per-item cancellation reasons in
// Details, and anything else is wrapped as Internal.
func translateWriteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ConditionalCheckFailedException":
			return apperrors.NewVersionConflict("conditional write failed: " + apiErr.ErrorMessage())
		case "TransactionCanceledException":
			return (&apperrors.AppError{
				Type:    apperrors.ErrorTypeVersionConflict,
				Message: "transaction cancelled: " + apiErr.ErrorMessage(),
			}).WithDetails(map[string]any{"cancellation_reasons": apiErr.ErrorMessage()})
		}
	}
	return apperrors.NewInternal("backend request failed", err)
}
