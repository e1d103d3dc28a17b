package txn

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	apperrors "singletable/pkg/errors"
)

// translateCommitError maps a TransactWriteItems failure to the AppError
// taxonomy: a cancelled transaction is a VersionConflict carrying its
// per-item cancellation reasons in Details (spec.md §7 "transaction
// failures attach the underlying cancellation reasons"), anything else is
// wrapped as Internal.
func translateCommitError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ConditionalCheckFailedException":
			return apperrors.NewVersionConflict("conditional write failed: " + apiErr.ErrorMessage())
		case "TransactionCanceledException":
			var reasons []types.CancellationReason
			var canceled *types.TransactionCanceledException
			if errors.As(err, &canceled) {
				reasons = canceled.CancellationReasons
			}
			return (&apperrors.AppError{
				Type:    apperrors.ErrorTypeVersionConflict,
				Message: "transaction cancelled: " + apiErr.ErrorMessage(),
			}).WithDetails(map[string]any{"cancellation_reasons": reasons})
		}
	}
	return apperrors.NewInternal("transaction commit failed", err)
}
