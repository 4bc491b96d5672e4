package backend

import (
	"context"
	"fmt"
	"time"
)

// MockClient answers every prompt locally. Used when BACKEND_MOCK is set,
// so the full pipeline can run without a model service.
type MockClient struct {
	Delay time.Duration
}

func (c *MockClient) Generate(ctx context.Context, request Request) (string, error) {
	if c.Delay > 0 {
		timer := time.NewTimer(c.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", Transient("mock delay interrupted", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Sprintf("[mock %s] reply to: %s", request.Model, request.Prompt), nil
}
