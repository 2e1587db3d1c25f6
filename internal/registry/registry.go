// Package registry implements the Engine/Registry: the process-wide table
// mapping numeric Downloader IDs to Tasks, grounded on
// internal/engine/engine.go's map[uuid.UUID]*downloader.Download +
// sync.RWMutex, generalized to an int64-keyed table per the spec's
// "process-wide positive integer handle assigned monotonically" model.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/executor"
)

// Registry holds the ID -> Task table. Lookups take the read lock;
// mutating a single Task serializes through that Task's own internal
// state, not the table, per §4.E.
type Registry struct {
	nextID atomic.Int64

	mu    sync.RWMutex
	tasks map[int64]*executor.Task

	// creation serializes ID-assignment + table-insertion so the two
	// never race against a concurrent Get/pause/resume/stop for the
	// same not-yet-visible ID.
	creationMu sync.Mutex
}

func New() *Registry {
	r := &Registry{tasks: make(map[int64]*executor.Task)}
	r.nextID.Store(0) // first Add() call produces ID 1; 0 is reserved.
	return r
}

// Add assigns the next monotonic ID to task and inserts it atomically
// with respect to assignment.
func (r *Registry) Add(task *executor.Task) int64 {
	r.creationMu.Lock()
	defer r.creationMu.Unlock()

	id := r.nextID.Add(1)

	r.mu.Lock()
	r.tasks[id] = task
	r.mu.Unlock()

	go r.reapOnDone(id, task)

	return id
}

// reapOnDone removes the ID from the table once the Task has published
// its terminal event, implementing "memory is released and the ID
// becomes unusable once its final event has been delivered."
func (r *Registry) reapOnDone(id int64, task *executor.Task) {
	<-task.Done()

	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Get looks up a Task by ID under the table's read lock.
func (r *Registry) Get(id int64) (*executor.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, common.ErrDownloaderNotFound
	}

	return task, nil
}

// Count reports the number of currently registered Downloaders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
