// Command tthsd is a small demo harness exercising pkg/tthsd directly,
// the way a cgo/JNI/GDExtension binding would, without building any of
// that binding machinery. Grounded on Tanq16-danzo's cobra root command
// and lipgloss-styled progress output.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tthsd/tthsd/internal/common"
	"github.com/tthsd/tthsd/internal/config"
	"github.com/tthsd/tthsd/internal/logger"
	"github.com/tthsd/tthsd/pkg/tthsd"
)

const downloadDirPerm = 0o755

var (
	statusStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
)

func main() {
	root := &cobra.Command{
		Use:   "tthsd",
		Short: "drive the tthsd download engine from a terminal",
	}

	var workers int
	var chunkMiB int
	var sequential bool

	getCmd := &cobra.Command{
		Use:   "get [url]...",
		Short: "download one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args, workers, chunkMiB, !sequential)
		},
	}
	getCmd.Flags().IntVar(&workers, "workers", 0, "worker count (0 = config default)")
	getCmd.Flags().IntVar(&chunkMiB, "chunk-mib", 0, "chunk size in MiB (0 = config default)")
	getCmd.Flags().BoolVar(&sequential, "sequential", false, "process a multi-URL batch one file at a time")

	pauseCmd := idCommand("pause", "pause a running downloader", func(eng *tthsd.Engine, id int64) error {
		return eng.PauseDownload(id)
	})
	resumeCmd := idCommand("resume", "resume a paused downloader", func(eng *tthsd.Engine, id int64) error {
		return eng.ResumeDownload(id)
	})
	stopCmd := idCommand("stop", "stop a downloader", func(eng *tthsd.Engine, id int64) error {
		return eng.StopDownload(id)
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "list recorded run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			records, err := eng.History()
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%d  %-60s  %-8s  %dms\n", r.ID, r.URL, r.Status, r.DurationMS)
			}
			return nil
		},
	}

	root.AddCommand(getCmd, pauseCmd, resumeCmd, stopCmd, historyCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func idCommand(use, short string, run func(eng *tthsd.Engine, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [downloader-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}

			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			return run(eng, id)
		},
	}
}

func newEngine() (*tthsd.Engine, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(false, ""); err != nil {
		return nil, err
	}
	return tthsd.New(cfg)
}

func runGet(urls []string, workers, chunkMiB int, parallel bool) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = cfg.DefaultWorkerCount
	}
	if chunkMiB <= 0 {
		chunkMiB = cfg.DefaultChunkSizeMiB
	}

	if err := os.MkdirAll(cfg.DownloadDir, downloadDirPerm); err != nil {
		return err
	}

	if err := logger.Init(false, ""); err != nil {
		return err
	}
	defer logger.Close()

	eng, err := tthsd.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	descriptors := make([]common.Descriptor, len(urls))
	for i, u := range urls {
		descriptors[i] = common.Descriptor{
			URL:      u,
			SavePath: saveNameFor(u, cfg.DownloadDir),
			ShowName: u,
			ID:       strconv.Itoa(i),
		}
	}

	tasksJSON, err := json.Marshal(descriptors)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	callback := func(eventJSON, dataJSON string) {
		fmt.Printf("%s %s\n", eventJSON, dataJSON)
		var meta common.Meta
		if err := json.Unmarshal([]byte(eventJSON), &meta); err == nil {
			if meta.Type == common.EventEnd || meta.Type == common.EventErr {
				close(done)
			}
		}
	}

	isMultiple := parallel
	id, err := eng.StartDownload(string(tasksJSON), len(descriptors), workers, chunkMiB, callback, false, "", "", nil, &isMultiple)
	if err != nil {
		return err
	}

	fmt.Println(statusStyle.Render(fmt.Sprintf("downloader %d started", id)))

	<-done
	return nil
}

func saveNameFor(url, dir string) string {
	name := url
	if idx := lastSlash(url); idx >= 0 {
		name = url[idx+1:]
	}
	if name == "" {
		name = "download"
	}
	return dir + string(os.PathSeparator) + name
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
