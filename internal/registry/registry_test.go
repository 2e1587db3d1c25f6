package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/eventbus"
	"github.com/tthsd/tthsd/internal/executor"
	"github.com/tthsd/tthsd/pkg/httpclient"
)

func newTestTask() *executor.Task {
	bus := eventbus.New("n", "n", "1", nil, nil)
	return executor.New(
		[]common.Descriptor{{URL: "https://example.invalid/f", SavePath: "/tmp/nonexistent", ShowName: "f", ID: "1"}},
		common.Options{WorkerCount: 1, ChunkSizeMiB: 1},
		httpclient.New(httpclient.DefaultConfig()),
		bus,
	)
}

func TestRegistry_IDsAreMonotonicStartingAtOne(t *testing.T) {
	r := New()

	id1 := r.Add(newTestTask())
	id2 := r.Add(newTestTask())

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
}

func TestRegistry_GetUnknownID(t *testing.T) {
	r := New()

	_, err := r.Get(999)
	assert.ErrorIs(t, err, common.ErrDownloaderNotFound)
}

func TestRegistry_GetReturnsRegisteredTask(t *testing.T) {
	r := New()
	task := newTestTask()
	id := r.Add(task)

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Same(t, task, got)
}
