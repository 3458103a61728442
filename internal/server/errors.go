package server

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeOf maps an error from the ledger stack or a transport failure to
// a gRPC code. HTTP statuses follow through runtime.HTTPStatusFromCode.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ingestion.ErrMalformed),
		errors.Is(err, ingestion.ErrNotInstruction),
		errors.Is(err, ingestion.ErrStaleInstruction),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, ledger.ErrInvalidAddress):
		return codes.InvalidArgument
	case errors.Is(err, core.ErrSequencerStopped),
		errors.Is(err, core.ErrDedupUnavailable):
		return codes.Unavailable
	}

	switch escrow.Classify(err) {
	case escrow.KindValidation:
		return codes.InvalidArgument
	case escrow.KindConflict:
		return codes.AlreadyExists
	case escrow.KindAuthorization:
		return codes.PermissionDenied
	case escrow.KindNotFound:
		return codes.NotFound
	case escrow.KindResource:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status error. Errors that already carry a
// status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}
