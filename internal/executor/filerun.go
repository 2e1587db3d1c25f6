package executor

import (
	"context"
	"sync"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/logger"
	"github.com/tthsd/tthsd/internal/rangeplan"
	"github.com/tthsd/tthsd/internal/sink"
)

// fileRun drives one descriptor's download: probe, plan, open the Sink,
// spawn its share of the worker pool, and wait for completion. A Task
// holds one fileRun per descriptor (one for sequential mode's current
// file, one per file for parallel mode).
type fileRun struct {
	task       *Task
	desc       common.Descriptor
	index      int
	total      int
	workers    int
	userAgent  string
	chunkMiB   int

	sink   *sink.Sink
	queue  *rangeQueue
	ranges []*rangeplan.Range

	// baseCtx is the run's stop context (cancelled only by Task.Stop).
	// pauseCtx is a child of baseCtx scoped to one run/pause cycle: pause
	// cancels it so any worker holding an open HTTP response abandons it,
	// and resume replaces it with a fresh one, since a cancelled context
	// can never be reused. pauseMu guards swapping the pair.
	baseCtx     context.Context
	pauseMu     sync.Mutex
	pauseCtx    context.Context
	pauseCancel context.CancelFunc

	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func newFileRun(task *Task, desc common.Descriptor, index, total, workers int) *fileRun {
	return &fileRun{
		task:      task,
		desc:      desc,
		index:     index,
		total:     total,
		workers:   workers,
		userAgent: task.opts.UserAgent,
		chunkMiB:  task.opts.ChunkSizeMiB,
		// Allocated here, not in run(), so Pause/Resume/Drain/Stop can
		// reach a fileRun that has been registered but has not yet
		// finished probing the remote resource.
		queue: newRangeQueue(),
	}
}

// currentCtx returns the context a worker should use for its next fetch:
// a child of the run's stop context that pause() cancels independently of
// Stop, so a paused worker abandons its response without the run itself
// being torn down.
func (r *fileRun) currentCtx() context.Context {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.pauseCtx
}

// run probes the resource, plans ranges (reconciling any existing resume
// manifest), opens the Sink, and drives the worker pool to completion. It
// blocks until every range is Done, the run is drained by Stop, or a
// fatal error occurs. aborted reports whether the run ended because it
// was drained (paused-and-abandoned is not an abort; only Stop is) rather
// than because every range finished, so callers know not to treat this as
// a completed file.
func (r *fileRun) run(ctx context.Context) (aborted bool, err error) {
	r.baseCtx = ctx
	r.pauseMu.Lock()
	r.pauseCtx, r.pauseCancel = context.WithCancel(ctx)
	r.pauseMu.Unlock()

	head, err := r.task.client.Head(ctx, r.desc.URL, r.userAgent)
	if err != nil {
		return false, err
	}

	planned := rangeplan.Plan(head.TotalSize, head.AcceptsRanges, r.chunkMiB)

	var totalSize int64 = -1
	if head.TotalSize != nil {
		totalSize = *head.TotalSize
	}

	chunkBytes := int64(rangeplan.ClampChunkMiB(r.chunkMiB)) << 20

	var restoredBitmap []bool
	if m, merr := sink.LoadManifest(r.desc.SavePath); merr == nil {
		if sink.Consistent(m, r.desc.URL, totalSize, chunkBytes, head.ETag) {
			if bm, derr := sink.DecodeBitmap(m.Bitmap, len(planned)); derr == nil {
				restoredBitmap = bm
			}
		} else {
			logger.Infof("manifest for %s inconsistent with current probe, replanning", r.desc.SavePath)
		}
	}

	skipped := int64(0)
	if restoredBitmap != nil {
		skipped = rangeplan.ApplyManifest(planned, restoredBitmap)
	}

	s, err := sink.Open(r.desc.SavePath, r.desc.URL, totalSize, chunkBytes, head.ETag, len(planned))
	if err != nil {
		return false, err
	}
	if restoredBitmap != nil {
		s.RestoreBitmap(restoredBitmap)
	}
	r.sink = s

	r.task.addTotal(totalSize)
	r.task.downloaded.Add(skipped)

	// planned holds the values; ranges holds pointers into the same
	// backing array so the queue and workers can mutate Status/Attempts
	// in place.
	ranges := make([]*rangeplan.Range, len(planned))
	for i := range planned {
		ranges[i] = &planned[i]
	}
	r.ranges = ranges
	for _, rg := range ranges {
		if rg.Status != rangeplan.Done {
			r.queue.Push(rg)
		} else {
			s.MarkRangeDone(rg.Index, false)
		}
	}

	workerCount := r.workers
	if workerCount < 1 {
		workerCount = 1
	}

	r.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go r.worker(ctx, i)
	}
	r.wg.Wait()

	r.mu.Lock()
	runErr := r.err
	r.mu.Unlock()

	if runErr != nil {
		if err := s.Abort(); err != nil {
			logger.Warnf("sink abort for %s: %v", r.desc.SavePath, err)
		}
		return false, runErr
	}

	if ctx.Err() != nil || r.queue.Draining() {
		if err := s.Abort(); err != nil {
			logger.Warnf("sink abort for %s: %v", r.desc.SavePath, err)
		}
		return true, nil
	}

	if err := s.Finalize(); err != nil {
		return false, err
	}
	return false, nil
}

func (r *fileRun) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.queue.Drain()
}

// pause stops new ranges being dispatched, cancels the run's current
// pause-scoped context so any worker holding an open HTTP response
// abandons it and re-queues its range, then blocks until the queue
// reports every range released. It does not return until the §3
// invariant "no worker holds an open HTTP response" holds for this run.
// Once parked, it forces a manifest persist so a crash while paused loses
// at most nothing beyond this point, rather than waiting for the next
// periodic flush.
func (r *fileRun) pause() {
	r.queue.Pause()

	r.pauseMu.Lock()
	if r.pauseCancel != nil {
		r.pauseCancel()
	}
	r.pauseMu.Unlock()

	r.queue.WaitParked()

	if r.sink != nil {
		if err := r.sink.Persist(); err != nil {
			logger.Warnf("manifest persist on pause for %s: %v", r.desc.SavePath, err)
		}
	}
}

// resume replaces the cancelled pause-scoped context with a fresh child
// of the run's stop context - a cancelled context can never be
// uncancelled - then lets the queue hand out ranges again.
func (r *fileRun) resume() {
	r.pauseMu.Lock()
	r.pauseCtx, r.pauseCancel = context.WithCancel(r.baseCtx)
	r.pauseMu.Unlock()

	r.queue.Resume()
}

func (r *fileRun) drain() {
	r.queue.Drain()
}

func (r *fileRun) abort() {
	if r.sink != nil {
		if err := r.sink.Abort(); err != nil {
			logger.Warnf("sink abort for %s: %v", r.desc.SavePath, err)
		}
	}
}
