// Package tthsd is the Go-level facade implementing the library entry
// points of the external interfaces design: StartDownload, GetDownloader,
// StartDownloadID, StartMultipleDownloadsID, PauseDownload,
// ResumeDownload, StopDownload. A cgo/JNI/GDExtension shim (out of scope
// for this module) would wrap these with no semantic translation, taking
// the same JSON-string/primitive argument shapes named in the external
// interfaces table.
package tthsd

import (
	"encoding/json"
	"time"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/config"
	"github.com/tthsd/tthsd/internal/eventbus"
	"github.com/tthsd/tthsd/internal/executor"
	"github.com/tthsd/tthsd/internal/logger"
	"github.com/tthsd/tthsd/internal/registry"
	"github.com/tthsd/tthsd/internal/store"
	"github.com/tthsd/tthsd/pkg/httpclient"
)

// Callback is the native callback signature: both strings are UTF-8 JSON
// owned by the library for the duration of the call.
type Callback func(eventJSON, dataJSON string)

// Engine is the process-wide facade: one Engine owns the Registry, the
// shared HTTP client, and (optionally) the telemetry store.
type Engine struct {
	reg    *registry.Registry
	client *httpclient.Client
	cfg    config.Config
	hist   *store.Store
}

// New constructs an Engine from configuration. It does not touch the
// filesystem beyond (optionally) opening the history database.
func New(cfg config.Config) (*Engine, error) {
	e := &Engine{
		reg: registry.New(),
		cfg: cfg,
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.RetryBaseDelay = cfg.RetryBaseDelay
	httpCfg.RetryMaxDelay = cfg.RetryMaxDelay
	httpCfg.MaxAttempts = cfg.MaxRetryAttempts
	e.client = httpclient.New(httpCfg)

	if cfg.HistoryDBPath != "" {
		hist, err := store.Open(cfg.HistoryDBPath)
		if err != nil {
			logger.Warnf("telemetry history disabled: %v", err)
		} else {
			e.hist = hist
		}
	}

	return e, nil
}

func (e *Engine) Close() error {
	e.client.CloseIdleConnections()
	if e.hist != nil {
		return e.hist.Close()
	}
	return nil
}

// create builds and registers a Task for the given tasks-JSON batch,
// matching the parameter list of start_download/get_downloader minus the
// is_multiple pointer (GetDownloader doesn't take one). useCallbackURL
// gates the remote transport per §6: a caller that passes a remoteURL but
// leaves useCallbackURL false gets only the local callback.
func (e *Engine) create(tasksJSON string, taskCount, threadCount, chunkSizeMB int, callback Callback, useCallbackURL bool, userAgent, remoteURL string, useSocket *bool) (int64, error) {
	var descriptors []common.Descriptor
	if err := json.Unmarshal([]byte(tasksJSON), &descriptors); err != nil {
		return -1, common.Tag(common.PrefixArgInvalid, false, err)
	}
	if len(descriptors) != taskCount || len(descriptors) == 0 || threadCount < 0 {
		return -1, common.ErrInvalidArgument
	}

	opts := common.Options{
		WorkerCount:  threadCount,
		ChunkSizeMiB: chunkSizeMB,
		UserAgent:    userAgent,
		RemoteURL:    remoteURL,
	}

	// Open questions §9: a nil useSocket pointer is treated identically
	// to a non-nil pointer holding false.
	socketMode := useSocket != nil && *useSocket

	var localCB eventbus.Callback
	if callback != nil {
		localCB = eventbus.Callback(callback)
	}

	var remote eventbus.RemoteSink
	if useCallbackURL && remoteURL != "" {
		transport := eventbus.TransportWebSocket
		if socketMode {
			transport = eventbus.TransportTCP
		}
		remote = eventbus.NewRemoteSink(remoteURL, transport)
	}

	name, id := descriptors[0].ShowName, descriptors[0].ID
	bus := eventbus.New(descriptors[0].URL, name, id, localCB, remote)

	task := executor.New(descriptors, opts, e.client, bus)
	downloaderID := e.reg.Add(task)

	go e.recordOnDone(downloaderID, task, descriptors)

	return downloaderID, nil
}

// StartDownload creates a Downloader and immediately starts it, in
// sequential or parallel mode per isMultiple.
func (e *Engine) StartDownload(tasksJSON string, taskCount, threadCount, chunkSizeMB int, callback Callback, useCallbackURL bool, userAgent, remoteURL string, useSocket, isMultiple *bool) (int64, error) {
	id, err := e.create(tasksJSON, taskCount, threadCount, chunkSizeMB, callback, useCallbackURL, userAgent, remoteURL, useSocket)
	if err != nil {
		return -1, err
	}

	parallel := isMultiple != nil && *isMultiple
	if err := e.startByID(id, parallel); err != nil {
		return -1, err
	}

	return id, nil
}

// GetDownloader creates a Downloader without starting it.
func (e *Engine) GetDownloader(tasksJSON string, taskCount, threadCount, chunkSizeMB int, callback Callback, useCallbackURL bool, userAgent, remoteURL string, useSocket *bool) (int64, error) {
	return e.create(tasksJSON, taskCount, threadCount, chunkSizeMB, callback, useCallbackURL, userAgent, remoteURL, useSocket)
}

// StartDownloadID starts a previously-created Downloader sequentially.
func (e *Engine) StartDownloadID(id int64) error {
	return e.startByID(id, false)
}

// StartMultipleDownloadsID starts a previously-created Downloader in
// parallel mode. Per §9's open question, this is equivalent to
// StartDownload with isMultiple=true.
func (e *Engine) StartMultipleDownloadsID(id int64) error {
	return e.startByID(id, true)
}

func (e *Engine) startByID(id int64, parallel bool) error {
	task, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return task.Start(parallel)
}

func (e *Engine) PauseDownload(id int64) error {
	task, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return task.Pause()
}

func (e *Engine) ResumeDownload(id int64) error {
	task, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return task.Resume()
}

func (e *Engine) StopDownload(id int64) error {
	task, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return task.Stop()
}

// History returns the recorded run history, or nil if telemetry is
// disabled.
func (e *Engine) History() ([]store.Record, error) {
	if e.hist == nil {
		return nil, nil
	}
	return e.hist.List()
}

func (e *Engine) recordOnDone(id int64, task *executor.Task, descriptors []common.Descriptor) {
	start := time.Now()
	<-task.Done()

	if e.hist == nil {
		return
	}

	for _, d := range descriptors {
		rec := store.Record{
			ID:         id,
			URL:        d.URL,
			SavePath:   d.SavePath,
			Status:     task.Status().String(),
			FinishedAt: time.Now(),
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err := e.hist.Append(rec); err != nil {
			logger.Warnf("history append failed: %v", err)
		}
	}
}
