// Package app provides the application service layer.
//
// Orchestrates the review use cases: listing, reading, creating, editing and voting.
// Every committed mutation is handed to the event publisher; fan-out problems are logged
// and never fail the request. Depends on domain interfaces, not concrete implementations.
package app
