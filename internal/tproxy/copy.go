package tproxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional shuttles bytes between left and right until either side
// closes or ctx is canceled.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		_, err := io.Copy(left, right)
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(right, left)
		return err
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	g.Go(func() error {
		<-gctx.Done()
		closeBoth()
		return nil
	})

	return g.Wait()
}
