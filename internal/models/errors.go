package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; every error is per-request
// and recoverable.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrContentTooLarge    = fmt.Errorf("%w: content too large", ErrInvalidInput)
	ErrInvalidVector      = fmt.Errorf("%w: invalid vector", ErrInvalidInput)
	ErrUnknownMetadataKey = fmt.Errorf("%w: unknown metadata key", ErrInvalidInput)

	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrEmbeddingUnavailable = fmt.Errorf("%w: embedding unavailable", ErrProviderUnavailable)

	ErrNotFound              = errors.New("not found")
	ErrConversationClosed    = errors.New("conversation closed")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrRetrievalDegraded     = errors.New("retrieval degraded")
	ErrClassificationTimeout = errors.New("classification timeout")

	// ErrConflict means bounded compare-and-swap retries were exhausted.
	ErrConflict = errors.New("concurrent update conflict")
)
