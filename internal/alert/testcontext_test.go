package alert

import (
	"context"
	"testing"
)

// testContext returns a context that is canceled when the test ends,
// standing in for testing.T.Context on toolchains predating Go 1.24.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
