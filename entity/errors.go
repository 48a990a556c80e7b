package entity

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync engine. Components wrap these sentinels with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is while the
// message keeps the offending identifier.
var (
	// ErrSourceAuth means the connector credential is invalid. The job
	// fails and the error is surfaced to the user.
	ErrSourceAuth = errors.New("source auth error")

	// ErrSourceTransient means the source hiccuped; the orchestrator
	// retries the connector once at the current cursor before failing.
	ErrSourceTransient = errors.New("source transient error")

	// ErrSourceFatal means the job must not be retried without operator
	// intervention.
	ErrSourceFatal = errors.New("source fatal error")

	// ErrTransformer is a per-entity failure; the entity is counted as
	// failed and skipped, the job keeps going.
	ErrTransformer = errors.New("transformer error")

	// ErrDestinationTransient is retried with backoff per batch.
	ErrDestinationTransient = errors.New("destination transient error")

	// ErrDestinationFatal fails the job.
	ErrDestinationFatal = errors.New("destination fatal error")

	// ErrLedger is correctness-critical and treated like a fatal
	// destination error.
	ErrLedger = errors.New("ledger error")

	ErrInvalidDAG    = errors.New("invalid sync dag")
	ErrInvalidEntity = errors.New("invalid entity")
	ErrInvalidConfig = errors.New("invalid config")
)

// ErrorKind returns the machine-readable kind for a classified error, or
// "internal" when the error does not match the taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceAuth):
		return "source_auth"
	case errors.Is(err, ErrSourceTransient):
		return "source_transient"
	case errors.Is(err, ErrSourceFatal):
		return "source_fatal"
	case errors.Is(err, ErrTransformer):
		return "transformer"
	case errors.Is(err, ErrDestinationTransient):
		return "destination_transient"
	case errors.Is(err, ErrDestinationFatal):
		return "destination_fatal"
	case errors.Is(err, ErrLedger):
		return "ledger"
	case errors.Is(err, ErrInvalidDAG):
		return "invalid_dag"
	case errors.Is(err, ErrInvalidEntity):
		return "invalid_entity"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	default:
		return "internal"
	}
}

// IsFatal reports whether the error must terminate the job immediately.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSourceAuth) ||
		errors.Is(err, ErrSourceFatal) ||
		errors.Is(err, ErrDestinationFatal) ||
		errors.Is(err, ErrLedger) ||
		errors.Is(err, ErrInvalidDAG) ||
		errors.Is(err, ErrInvalidEntity) ||
		errors.Is(err, ErrInvalidConfig)
}

// Wrap attaches a sentinel kind to err, preserving both chains for errors.Is.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}
