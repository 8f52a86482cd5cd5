package stdio

import (
	"context"
	"testing"
)

// testContext mirrors t.Context() from Go 1.24 for older toolchains: the
// returned context is canceled just before Cleanup functions run.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
