package core

import "errors"

// Configuration errors (spec.md §7): these fail loudly at load time and
// prevent a bot from becoming RUNNING. They are invalid-input errors, not
// exchange or runtime conditions, so they stay sentinel values rather than
// going through apperrors.Kind classification.
var (
	ErrUnknownPair         = errors.New("bot config: pair is required")
	ErrNonPositiveNotional = errors.New("bot config: position_size_usd must be positive")
	ErrWeightsNotOne       = errors.New("bot config: sum of enabled indicator weights must equal 1.0")
)
