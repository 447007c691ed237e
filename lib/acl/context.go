package acl

import (
	"context"
	"time"
)

const lockTimeout = 10 * time.Second

func timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), lockTimeout)
}
