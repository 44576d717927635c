// Package pipeline holds end-to-end tests that drive a message through every
// stage: ingestion, dispatch, reconciliation, certification and distribution.
package pipeline
