// Package executor implements the Task Executor: for one Downloader, it
// drives the Chunk Planner, dispatches ranges into a bounded worker pool,
// feeds the File Sink, observes pause/resume/stop, and computes the
// progress metrics the sampler publishes.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/eventbus"
	"github.com/tthsd/tthsd/internal/logger"
	"github.com/tthsd/tthsd/internal/rangeplan"
	"github.com/tthsd/tthsd/pkg/httpclient"
)

const sampleInterval = 500 * time.Millisecond

// Task is the per-Downloader state machine. Its exported methods are the
// operations the Registry dispatches pause_download/resume_download/
// stop_download/start_download_id/start_multiple_downloads_id to.
type Task struct {
	internalID  uuid.UUID
	descriptors []common.Descriptor
	opts        common.Options

	client *httpclient.Client
	bus    *eventbus.Bus

	status atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runs    []*fileRun
	stopErr error

	downloaded atomic.Int64
	total      atomic.Int64

	startTime      time.Time
	lastSampleAt   time.Time
	lastSampleByte int64

	samplerDone   chan struct{}
	samplerExited chan struct{}
	finished      chan struct{}
	finishedOne   sync.Once
}

// New constructs a Task in the Idle state. The caller (the Registry) is
// responsible for generating the public numeric ID; internalID is only
// for log correlation.
func New(descriptors []common.Descriptor, opts common.Options, client *httpclient.Client, bus *eventbus.Bus) *Task {
	opts.WorkerCount = rangeplan.ClampWorkers(opts.WorkerCount)
	opts.ChunkSizeMiB = rangeplan.ClampChunkMiB(opts.ChunkSizeMiB)

	t := &Task{
		internalID:  uuid.New(),
		descriptors: descriptors,
		opts:        opts,
		client:      client,
		bus:         bus,
		finished:    make(chan struct{}),
	}
	t.status.Store(int32(common.StatusIdle))
	t.total.Store(-1)

	return t
}

func (t *Task) Status() common.Status {
	return common.Status(t.status.Load())
}

func (t *Task) casStatus(from, to common.Status) bool {
	return t.status.CompareAndSwap(int32(from), int32(to))
}

// Start begins execution. parallel selects between the sequential and
// parallel batch orchestration rules of §4.D.
func (t *Task) Start(parallel bool) error {
	if !t.casStatus(common.StatusIdle, common.StatusRunning) {
		return common.Tag(common.PrefixStateInvalid, false, fmt.Errorf("start called in state %s", t.Status()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.startTime = time.Now()
	t.lastSampleAt = t.startTime

	t.bus.Publish(common.Event{
		Meta: t.meta(common.EventStart),
		Data: common.StartData{},
	})

	t.samplerDone = make(chan struct{})
	t.samplerExited = make(chan struct{})
	go t.sampleLoop()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if parallel {
			t.runParallel(ctx)
		} else {
			t.runSequential(ctx)
		}
	}()

	return nil
}

// Pause is idempotent: pausing an already-Paused task is a no-op success,
// matching the idempotent() guarantee in §4.D; pausing a task in any other
// non-Running state returns a state.invalid error. Each run's
// pause() blocks until that run's workers have released every in-flight
// range, so by the time pauseWG.Wait returns, no worker across any run
// holds an open HTTP response; only then is the "paused" message
// published, per §4.D.4.
func (t *Task) Pause() error {
	if t.Status() == common.StatusPaused {
		return nil
	}
	if !t.casStatus(common.StatusRunning, common.StatusPaused) {
		return common.Tag(common.PrefixStateInvalid, false, fmt.Errorf("pause called in state %s", t.Status()))
	}

	t.mu.Lock()
	runs := append([]*fileRun(nil), t.runs...)
	t.mu.Unlock()

	var pauseWG sync.WaitGroup
	for _, r := range runs {
		pauseWG.Add(1)
		go func(r *fileRun) {
			defer pauseWG.Done()
			r.pause()
		}(r)
	}
	pauseWG.Wait()

	t.bus.Publish(common.Event{
		Meta: t.meta(common.EventMsg),
		Data: common.MsgData{Text: "paused"},
	})

	return nil
}

// Resume is idempotent for the same reason as Pause.
func (t *Task) Resume() error {
	if t.Status() == common.StatusRunning {
		return nil
	}
	if !t.casStatus(common.StatusPaused, common.StatusRunning) {
		return common.Tag(common.PrefixStateInvalid, false, fmt.Errorf("resume called in state %s", t.Status()))
	}

	t.mu.Lock()
	runs := append([]*fileRun(nil), t.runs...)
	t.mu.Unlock()

	for _, r := range runs {
		r.resume()
	}

	return nil
}

// Stop is terminal. It cancels all workers, drains queues, asks every
// fileRun's Sink to finalize partial data, joins workers, and publishes
// the terminal event.
func (t *Task) Stop() error {
	prev := t.Status()
	if prev.Terminal() {
		return common.Tag(common.PrefixStateInvalid, false, fmt.Errorf("stop called in terminal state %s", prev))
	}

	t.status.Store(int32(common.StatusStopping))
	logger.Debugf("task %s stopping from state %s", t.internalID, prev)

	t.mu.Lock()
	cancel := t.cancel
	runs := append([]*fileRun(nil), t.runs...)
	t.mu.Unlock()

	for _, r := range runs {
		r.drain()
	}
	if cancel != nil {
		cancel()
	}

	t.wg.Wait()

	for _, r := range runs {
		r.abort()
	}

	t.status.Store(int32(common.StatusStopped))
	t.finishRun(true, nil)

	return nil
}

func (t *Task) registerRun(r *fileRun) {
	t.mu.Lock()
	t.runs = append(t.runs, r)
	t.mu.Unlock()
}

func (t *Task) meta(ev common.EventType) common.Meta {
	name, id := "", ""
	if len(t.descriptors) > 0 {
		name = t.descriptors[0].ShowName
		id = t.descriptors[0].ID
	}
	return common.Meta{Type: ev, Name: name, ShowName: name, ID: id}
}

func (t *Task) addTotal(delta int64) {
	if delta < 0 {
		t.total.Store(-1)
		return
	}
	for {
		cur := t.total.Load()
		if cur < 0 {
			return
		}
		if t.total.CompareAndSwap(cur, cur+delta) {
			return
		}
	}
}

func (t *Task) sampleLoop() {
	defer close(t.samplerExited)
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.publishUpdate()
		case <-t.samplerDone:
			t.publishUpdate()
			return
		}
	}
}

func (t *Task) publishUpdate() {
	now := time.Now()
	downloaded := t.downloaded.Load()

	elapsed := now.Sub(t.lastSampleAt).Seconds()
	var speed int64
	if elapsed > 0 {
		speed = int64(float64(downloaded-t.lastSampleByte) / elapsed)
	}

	t.lastSampleAt = now
	t.lastSampleByte = downloaded

	t.bus.Publish(common.Event{
		Meta: t.meta(common.EventUpdate),
		Data: common.UpdateData{
			Downloaded: downloaded,
			Total:      t.total.Load(),
			Speed:      speed,
		},
	})
}

// finishRun stops the sampler and publishes the single terminal event.
// Safe to call more than once; only the first call has any effect.
func (t *Task) finishRun(aborted bool, runErr error) {
	t.finishedOne.Do(func() {
		if t.samplerDone != nil {
			close(t.samplerDone)
			<-t.samplerExited
		}

		if runErr != nil {
			t.status.Store(int32(common.StatusFailed))
			tagged, _ := common.AsTagged(runErr)
			errStr := runErr.Error()
			retryable := false
			if tagged != nil {
				errStr = tagged.Error()
				retryable = false // retry budget already exhausted by the time it reaches here
			}
			t.bus.Publish(common.Event{
				Meta: t.meta(common.EventErr),
				Data: common.ErrData{Error: errStr, Retryable: retryable},
			})
		} else {
			if t.Status() != common.StatusStopped {
				t.status.Store(int32(common.StatusDone))
			}
			t.bus.Publish(common.Event{
				Meta: t.meta(common.EventEnd),
				Data: common.EndData{Aborted: aborted},
			})
		}

		close(t.finished)
		t.bus.Close()
	})
}

// Done returns a channel closed once the terminal event has been
// published, used by the Registry to know when it is safe to unregister
// the ID.
func (t *Task) Done() <-chan struct{} {
	return t.finished
}

