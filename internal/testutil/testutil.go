// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.SkipIfShort(t)
//	    path := testutil.RequireCheckpoint(t)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"
)

// CheckpointEnv names the environment variable pointing at a trained decoder
// checkpoint for integration tests.
const CheckpointEnv = "RADTTS_TEST_CHECKPOINT"

// RequireCheckpoint skips the test unless CheckpointEnv names an existing
// file, and returns that path.
func RequireCheckpoint(tb testing.TB) string {
	tb.Helper()

	p := os.Getenv(CheckpointEnv)
	if p == "" {
		tb.Skipf("no decoder checkpoint configured; set %s to run this test", CheckpointEnv)
	}

	if _, err := os.Stat(p); err != nil {
		tb.Skipf("decoder checkpoint not found at %s=%q: %v", CheckpointEnv, p, err)
	}

	return p
}

// SkipIfShort skips full-size model tests under -short.
func SkipIfShort(tb testing.TB) {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping full-size model test in -short mode")
	}
}
