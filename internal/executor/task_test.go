package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/eventbus"
	"github.com/tthsd/tthsd/pkg/httpclient"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}

		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		if end >= len(body) {
			end = len(body) - 1
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestTask_SingleFileSequentialDownload(t *testing.T) {
	body := make([]byte, 5*1024*1024+37) // not an exact multiple of chunk size
	for i := range body {
		body[i] = byte(i % 251)
	}

	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")

	var mu sync.Mutex
	var events []common.Meta
	var endOnce sync.Once
	done := make(chan struct{})

	cb := func(eventJSON, dataJSON string) {
		var meta common.Meta
		require.NoError(t, json.Unmarshal([]byte(eventJSON), &meta))

		mu.Lock()
		events = append(events, meta)
		mu.Unlock()

		if meta.Type == common.EventEnd || meta.Type == common.EventErr {
			endOnce.Do(func() { close(done) })
		}
	}

	bus := eventbus.New("f", "f", "1", cb, nil)
	task := New(
		[]common.Descriptor{{URL: srv.URL, SavePath: savePath, ShowName: "f", ID: "1"}},
		common.Options{WorkerCount: 4, ChunkSizeMiB: 1},
		httpclient.New(httpclient.DefaultConfig()),
		bus,
	)

	require.NoError(t, task.Start(false))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete in time")
	}

	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, common.EventStart, events[0].Type)
	assert.Equal(t, common.EventEnd, events[len(events)-1].Type)

	_, err = os.Stat(savePath + ".tthsd")
	assert.True(t, os.IsNotExist(err))
}

// slowRangeServer drips each ranged GET out in small writes, giving a test
// a wide enough window to call Pause or Stop while a response is still
// open. openResponses tracks how many responses are currently mid-write,
// i.e. how many workers currently hold an open HTTP response.
func slowRangeServer(t *testing.T, body []byte, openResponses *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}

		start, end := 0, len(body)-1
		if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
			_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			require.NoError(t, err)
			if end >= len(body) {
				end = len(body) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		flusher, _ := w.(http.Flusher)

		openResponses.Add(1)
		defer openResponses.Add(-1)

		const step = 32 * 1024
		for off := start; off <= end; off += step {
			if r.Context().Err() != nil {
				return
			}
			e := off + step
			if e > end+1 {
				e = end + 1
			}
			if _, err := w.Write(body[off:e]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(3 * time.Millisecond)
		}
	}))
}

func TestTask_PauseAbandonsOpenResponsesThenResumesToByteExactFile(t *testing.T) {
	body := make([]byte, 6*1024*1024+123)
	for i := range body {
		body[i] = byte(i % 251)
	}

	var openResponses atomic.Int32
	srv := slowRangeServer(t, body, &openResponses)
	defer srv.Close()

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")

	var mu sync.Mutex
	var events []common.Meta
	pausedCount := 0
	done := make(chan struct{})
	var doneOnce sync.Once

	cb := func(eventJSON, dataJSON string) {
		var meta common.Meta
		require.NoError(t, json.Unmarshal([]byte(eventJSON), &meta))

		mu.Lock()
		events = append(events, meta)
		if meta.Type == common.EventMsg {
			var md common.MsgData
			require.NoError(t, json.Unmarshal([]byte(dataJSON), &md))
			if md.Text == "paused" {
				pausedCount++
			}
		}
		mu.Unlock()

		if meta.Type == common.EventEnd || meta.Type == common.EventErr {
			doneOnce.Do(func() { close(done) })
		}
	}

	bus := eventbus.New("f", "f", "1", cb, nil)
	task := New(
		[]common.Descriptor{{URL: srv.URL, SavePath: savePath, ShowName: "f", ID: "1"}},
		common.Options{WorkerCount: 4, ChunkSizeMiB: 1},
		httpclient.New(httpclient.DefaultConfig()),
		bus,
	)

	require.NoError(t, task.Start(false))

	// Give the workers time to get into the middle of a range fetch before
	// pausing.
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, task.Pause())
	// Pause blocks until every fileRun's queue reports nothing in flight,
	// so by the time it returns the §3 invariant must already hold.
	assert.Equal(t, int32(0), openResponses.Load(), "no HTTP response should be open once Pause returns")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), openResponses.Load(), "task must stay parked while paused")

	require.NoError(t, task.Resume())

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("download did not complete in time after resume")
	}

	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// The bytes of any range abandoned mid-stream at pause must not be
	// double-counted when that range is re-fetched from its start on
	// resume: Downloaded should land exactly on Total, never over it.
	assert.Equal(t, task.total.Load(), task.downloaded.Load(), "Downloaded must equal Total, not over-report from an abandoned-then-retried range")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, pausedCount, "exactly one msg:paused event expected")
	assert.Equal(t, common.EventEnd, events[len(events)-1].Type)
}

func TestTask_StopAbortsWithoutSpuriousEndOne(t *testing.T) {
	body := make([]byte, 6*1024*1024+123)
	for i := range body {
		body[i] = byte(i % 251)
	}

	var openResponses atomic.Int32
	srv := slowRangeServer(t, body, &openResponses)
	defer srv.Close()

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")

	var mu sync.Mutex
	var events []common.Meta
	endOneCount, endCount := 0, 0
	var lastEnd common.EndData
	done := make(chan struct{})
	var doneOnce sync.Once

	cb := func(eventJSON, dataJSON string) {
		var meta common.Meta
		require.NoError(t, json.Unmarshal([]byte(eventJSON), &meta))

		mu.Lock()
		events = append(events, meta)
		switch meta.Type {
		case common.EventEndOne:
			endOneCount++
		case common.EventEnd:
			endCount++
			require.NoError(t, json.Unmarshal([]byte(dataJSON), &lastEnd))
		}
		mu.Unlock()

		if meta.Type == common.EventEnd || meta.Type == common.EventErr {
			doneOnce.Do(func() { close(done) })
		}
	}

	bus := eventbus.New("f", "f", "1", cb, nil)
	task := New(
		[]common.Descriptor{{URL: srv.URL, SavePath: savePath, ShowName: "f", ID: "1"}},
		common.Options{WorkerCount: 4, ChunkSizeMiB: 1},
		httpclient.New(httpclient.DefaultConfig()),
		bus,
	)

	require.NoError(t, task.Start(false))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, task.Stop())

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not publish a terminal event in time")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 0, endOneCount, "a file aborted by Stop must not get an endOne")
	assert.Equal(t, 1, endCount, "exactly one terminal end event expected")
	assert.True(t, lastEnd.Aborted, "the terminal end event must report Aborted")
}
