package model

import "github.com/m-mizutani/goerr/v2"

var (
	ErrInvalidSourceType = goerr.New("invalid source type")
	ErrInvalidChunkType  = goerr.New("invalid chunk type")

	ErrEntryNotFound = goerr.New("knowledge entry not found")
	ErrChunkNotFound = goerr.New("memory chunk not found")
	ErrTurnNotFound  = goerr.New("turn not found")
)

// Error taxonomy tags. Transient provider failures are retried with bounded
// backoff before surfacing; permanent input failures are skipped per item and
// never retried.
var (
	ErrTagTransient      = goerr.NewTag("transient_provider")
	ErrTagPermanentInput = goerr.NewTag("permanent_input")
)
