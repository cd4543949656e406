package cmn

// Kind is the closed set of error kinds from spec §7. It is carried as a
// field on a wrapped github.com/pkg/errors error rather than expressed as
// its own error type hierarchy, so a kind survives Wrap/Cause chains and
// a single switch at the scheduler's top level decides propagation.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindUnknownProject     Kind = "UnknownProject"
	KindNotFound           Kind = "NotFound"
	KindTransferTimeout    Kind = "TransferTimeout"
	KindCacheUnstable      Kind = "CacheUnstable"
	KindSkipInstance       Kind = "SkipInstance"
	KindAnonymisationFail  Kind = "AnonymisationFailure"
	KindValidationFailure  Kind = "ValidationFailure"
	KindUploadFailure      Kind = "UploadFailure"
	KindSecretUnavailable  Kind = "SecretUnavailable"
	KindLedgerConflict     Kind = "LedgerConflict"
	KindCircuitOpen        Kind = "CircuitOpen"
)

// Retryable reports whether the scheduler should retry locally with
// backoff rather than fail the message outright (§7 propagation policy).
func (k Kind) Retryable() bool {
	switch k {
	case KindTransferTimeout, KindUploadFailure, KindSecretUnavailable, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// Terminal reports whether the kind, once exhausted of retries, should be
// recorded as a ledger `failed` state and acked (as opposed to
// dead-lettered or fatal).
func (k Kind) Terminal() bool {
	switch k {
	case KindNotFound, KindAnonymisationFail, KindValidationFailure, KindUploadFailure:
		return true
	default:
		return false
	}
}

// DeadLetter reports whether the message should be dead-lettered instead
// of being retried or recorded in the ledger.
func (k Kind) DeadLetter() bool {
	return k == KindUnknownProject
}

// kindErr carries a Kind alongside the wrapped cause.
type kindErr struct {
	kind  Kind
	cause error
}

func (e *kindErr) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.cause.Error()
}

func (e *kindErr) Unwrap() error { return e.cause }

// WithKind wraps err (which may be nil) with a classification kind.
func WithKind(kind Kind, err error) error {
	return &kindErr{kind: kind, cause: err}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. The zero
// Kind ("") is returned when none is present.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindErr); ok {
			return ke.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
