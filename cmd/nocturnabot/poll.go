// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"time"
)

const (
	longPollTimeout = 30 * time.Second
	pollRetryDelay  = 5 * time.Second
)

// poll runs the long polling loop until ctx is canceled. Each batch of
// updates is dispatched concurrently, bounded by the engine limiter; the
// offset advances past every update in the batch before the next request,
// so a crashed handler never causes a redelivery loop.
func (e *engine) poll(ctx context.Context) error {
	var offset int64
	for {
		updates, err := e.tg.GetUpdates(ctx, offset, int(longPollTimeout/time.Second))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			e.logf("Getting updates failed (retrying in %s): %v", pollRetryDelay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			e.limiter.Add()
			go func() {
				defer e.limiter.Done()
				e.dispatch(ctx, u)
			}()
		}
	}
}
