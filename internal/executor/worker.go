package executor

import (
	"context"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/logger"
	"github.com/tthsd/tthsd/internal/rangeplan"
)

// worker pulls ranges from the fileRun's queue until it is drained, every
// range is finished, or a non-retryable error occurs. Pause is
// observed two ways: rangeQueue.Pop blocks while paused (this worker's
// suspension point when idle), and fileRun.pause cancels the pause-scoped
// context fetched fresh on every iteration, which aborts an in-flight
// HTTP response immediately rather than waiting for it to finish,
// satisfying "workers observe cancellation, abandon their current HTTP
// response, return their range to the queue... and park on a resume
// condition". Pop and Release bracket the window a range can be in
// flight, which is what WaitParked counts against.
func (r *fileRun) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for {
		rg, ok := r.queue.Pop()
		if !ok {
			return
		}

		fetchCtx := r.currentCtx()
		contributed, err := r.runRange(fetchCtx, rg)
		r.queue.Release()

		if err != nil {
			if fetchCtx.Err() != nil {
				// Abandoned by pause/stop: undo this attempt's contribution
				// to Downloaded - resume always re-fetches the whole range
				// from its planned start, so every byte written here will
				// be counted again - then return the range to Pending,
				// reattempted from that start, never from a partial
				// in-range checkpoint.
				r.task.downloaded.Add(-contributed)
				rg.Status = rangeplan.Pending
				r.queue.Push(rg)
				continue
			}

			tagged, _ := common.AsTagged(err)
			if tagged != nil && tagged.Prefix == common.PrefixHTTPNoRange {
				// Demoted to single-stream, not a failure: just retry the
				// same range as a fresh GET without a Range header, again
				// from its start, so undo this attempt's bytes too.
				r.task.downloaded.Add(-contributed)
				rg.Status = rangeplan.Pending
				r.queue.Push(rg)
				continue
			}

			logger.Errorf("range %d for %s failed: %v", rg.Index, r.desc.SavePath, err)
			r.setErr(err)
			return
		}

		rg.Status = rangeplan.Done
		r.sink.MarkRangeDone(rg.Index, false)
	}
}

// runRange fetches one range and reports how many bytes it added to the
// task's Downloaded counter, so the caller can undo exactly that much if
// the attempt is abandoned rather than completed.
func (r *fileRun) runRange(ctx context.Context, rg *rangeplan.Range) (contributed int64, err error) {
	rg.Status = rangeplan.InFlight

	var end *int64
	if !rg.Unbounded() {
		e := rg.End - 1 // HTTP Range end is inclusive; rg.End is exclusive.
		end = &e
	}

	fetchErr := r.task.client.FetchRange(ctx, r.desc.URL, rg.Start, end, r.userAgent, func(offset int64, p []byte) error {
		if err := r.sink.WriteAt(offset, p); err != nil {
			return err
		}
		n := int64(len(p))
		r.task.downloaded.Add(n)
		contributed += n
		return nil
	})
	return contributed, fetchErr
}
