package coordinator

import (
	"errors"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// terminalProgramErrors maps well-known custom program error codes (as
// returned in a failed simulateTransaction's InstructionError) to the
// domain conditions they indicate. A match here is always non-retryable:
// the program is telling us the request itself is impossible, not that the
// network hiccuped.
var terminalProgramErrors = map[int]string{
	1: "UnauthorizedUser",
	2: "NoUnsettledBalance",
	3: "InsufficientAvailableEnergy",
}

// classify turns an error returned by the ledger client's Submit into an
// apperrors.Error carrying the retryability the coordinator's retry policy
// needs. Retryable vs. terminal is a property of the error value itself,
// never inferred later by string matching.
func classify(err error) *apperrors.Error {
	var simFailure *ledger.SimulationFailure
	if errors.As(err, &simFailure) {
		if _, known := terminalProgramErrors[simFailure.Code]; known {
			return apperrors.NotRetryable(apperrors.KindSimulationTerminal, simFailure)
		}
		// An unknown program error is retryable: it becomes terminal only
		// when the operation's attempt budget is exhausted in RecordFailure,
		// so it is not limited to a single retry.
		return apperrors.Retryable(apperrors.KindSimulationTerminal, simFailure)
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	return apperrors.Retryable(apperrors.KindRPCUnavailable, err)
}
