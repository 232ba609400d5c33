package services

import "errors"

var (
	// ErrInput indicates a missing or unreadable target image or a malformed
	// request. Rejected before any model call, no side effects.
	ErrInput = errors.New("invalid analysis input")

	// ErrEmbeddingDimension indicates the extractor returned a vector whose
	// length differs from models.EmbeddingDim. Fatal; never cached.
	ErrEmbeddingDimension = errors.New("embedding dimension mismatch")

	// ErrUpstreamModel indicates the vision model call failed (network, auth,
	// rate limit, timeout). Propagated distinctly so callers can retry.
	ErrUpstreamModel = errors.New("upstream model call failed")
)
