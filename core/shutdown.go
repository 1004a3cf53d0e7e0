package core

import "context"

// ShutdownFunc releases a resource during graceful shutdown. It must honor the
// context deadline and be safe to call more than once.
type ShutdownFunc func(ctx context.Context) error
