// Package domain defines the review platform's core types and the contracts between layers.
//
// Concept-oriented files (review.go, vote.go, user.go, events.go, errors.go) hold shared types
// and interfaces. Vote arithmetic lives here so every repository applies identical rules.
package domain
