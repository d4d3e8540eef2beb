// Package eventpublisher turns committed review mutations into live events on the
// "reviews" topic. Publishing is best-effort and never fails the mutation that caused it.
package eventpublisher
