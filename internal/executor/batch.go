package executor

import (
	"context"
	"sync"

	"github.com/tthsd/tthsd/internal/common"
)

// runSequential implements §4.D's sequential batch orchestration: files
// processed one after another, startOne before each, endOne after each.
func (t *Task) runSequential(ctx context.Context) {
	total := len(t.descriptors)

	for i, desc := range t.descriptors {
		if ctx.Err() != nil {
			break
		}

		t.bus.Publish(common.Event{
			Meta: t.metaFor(desc, common.EventStartOne),
			Data: common.StartOneData{URL: desc.URL, SavePath: desc.SavePath, ShowName: desc.ShowName, Index: i + 1, Total: total},
		})

		run := newFileRun(t, desc, i, total, t.opts.WorkerCount)
		t.registerRun(run)

		aborted, err := run.run(ctx)

		t.mu.Lock()
		remaining := t.runs
		for j, rr := range remaining {
			if rr == run {
				t.runs = append(remaining[:j], remaining[j+1:]...)
				break
			}
		}
		t.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				// Stop() cancelled the context mid-probe/mid-transfer;
				// this is a clean abort, not a failure.
				t.finishRun(true, nil)
				return
			}
			t.finishRun(false, err)
			return
		}

		if aborted {
			// Drained by Stop: this file never finished, so it gets no
			// endOne - only the batch's own terminal end{Aborted:true}
			// reports what happened to it.
			t.finishRun(true, nil)
			return
		}

		t.bus.Publish(common.Event{
			Meta: t.metaFor(desc, common.EventEndOne),
			Data: common.EndOneData{URL: desc.URL, SavePath: desc.SavePath, ShowName: desc.ShowName, Index: i + 1, Total: total},
		})
	}

	aborted := ctx.Err() != nil
	t.finishRun(aborted, nil)
}

// runParallel implements §4.D's parallel batch orchestration: all files
// execute concurrently, the worker budget split by floor division with
// the remainder distributed to the first files.
func (t *Task) runParallel(ctx context.Context) {
	total := len(t.descriptors)
	if total == 0 {
		t.finishRun(false, nil)
		return
	}

	base := t.opts.WorkerCount / total
	remainder := t.opts.WorkerCount % total
	if base < 1 {
		base = 1
		remainder = 0
	}

	var wg sync.WaitGroup
	errs := make([]error, total)
	aborts := make([]bool, total)

	for i, desc := range t.descriptors {
		workers := base
		if i < remainder {
			workers++
		}

		t.bus.Publish(common.Event{
			Meta: t.metaFor(desc, common.EventStartOne),
			Data: common.StartOneData{URL: desc.URL, SavePath: desc.SavePath, ShowName: desc.ShowName, Index: i + 1, Total: total},
		})

		run := newFileRun(t, desc, i, total, workers)
		t.registerRun(run)

		wg.Add(1)
		go func(i int, desc common.Descriptor, run *fileRun) {
			defer wg.Done()

			aborted, err := run.run(ctx)
			errs[i] = err
			aborts[i] = aborted

			if err == nil && !aborted {
				t.bus.Publish(common.Event{
					Meta: t.metaFor(desc, common.EventEndOne),
					Data: common.EndOneData{URL: desc.URL, SavePath: desc.SavePath, ShowName: desc.ShowName, Index: i + 1, Total: total},
				})
			}
		}(i, desc, run)
	}

	wg.Wait()

	if ctx.Err() != nil {
		t.finishRun(true, nil)
		return
	}

	for _, a := range aborts {
		if a {
			t.finishRun(true, nil)
			return
		}
	}

	var firstErr error
	for _, e := range errs {
		if e != nil {
			firstErr = e
			break
		}
	}

	t.finishRun(false, firstErr)
}

func (t *Task) metaFor(desc common.Descriptor, ev common.EventType) common.Meta {
	return common.Meta{Type: ev, Name: desc.ShowName, ShowName: desc.ShowName, ID: desc.ID}
}
