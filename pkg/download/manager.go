// Package download fetches remote files to the local filesystem with bounded
// concurrency, checksum verification and progress events.
//
// Every file is streamed to a temporary ".part" file next to its destination
// and renamed into place only after the whole body arrived and, when an
// expected checksum was given, the digest matched. A failed or cancelled task
// never leaves a file at its destination.
package download

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Prometheus metrics for downloads.
var (
	planetDownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planet_download_bytes_total",
		Help: "Total bytes received by downloads, failed attempts included",
	})

	planetDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_downloads_total",
		Help: "Finished download tasks by result",
	}, []string{"result"})

	planetDownloadInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planet_download_inflight",
		Help: "Download tasks currently running",
	})

	planetDownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planet_download_duration_seconds",
		Help:    "Duration of finished download tasks",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
	})
)

// Streamer opens a remote body. *client.Session and *HTTPStreamer implement it.
type Streamer interface {
	Stream(ctx context.Context, url string) (*http.Response, error)
}

// Stats reports concurrency counters.
type Stats struct {
	InFlight     int64
	PeakInFlight int64
}

// Manager runs download tasks.
type Manager struct {
	streamer Streamer
	opts     Options
	logger   zerolog.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a manager that fetches through streamer.
func New(streamer Streamer, opts Options) (*Manager, error) {
	if streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = DefaultOptions().MaxConcurrency
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = DefaultOptions().ProgressInterval
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Manager{
		streamer: streamer,
		opts:     opts,
		logger:   logging.Component(opts.Logger, "download"),
	}, nil
}

// Stats returns the current and peak number of running tasks.
func (m *Manager) Stats() Stats {
	return Stats{InFlight: m.inFlight.Load(), PeakInFlight: m.peak.Load()}
}

// DownloadMany runs tasks with at most MaxConcurrency in flight, starting them
// in submission order. A failed task does not stop the others. The outcomes
// are returned in submission order.
func (m *Manager) DownloadMany(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))

	var g errgroup.Group
	g.SetLimit(m.opts.MaxConcurrency)

	start := time.Now()
	for i, task := range tasks {
		g.Go(func() error {
			outcomes[i] = m.run(ctx, i, task)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	m.logger.Info().
		Int("tasks", len(tasks)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Downloads finished")

	return outcomes
}

// Download runs a single task.
func (m *Manager) Download(ctx context.Context, task Task) Outcome {
	return m.run(ctx, 0, task)
}

func (m *Manager) run(ctx context.Context, index int, task Task) Outcome {
	out := Outcome{Index: index, Task: task, Path: task.Path, Total: -1}
	start := time.Now()

	n := m.inFlight.Add(1)
	planetDownloadInFlight.Inc()
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer func() {
		m.inFlight.Add(-1)
		planetDownloadInFlight.Dec()
	}()

	out.Err = m.attempts(ctx, index, task, &out)
	out.Duration = time.Since(start)
	planetDownloadDuration.Observe(out.Duration.Seconds())

	m.emit(Progress{Index: index, URL: task.URL, Path: out.Path, Bytes: out.Bytes, Total: out.Total, Done: true, Err: out.Err})

	if out.Err != nil {
		planetDownloadsTotal.WithLabelValues("failed").Inc()
		m.logger.Error().
			Err(out.Err).
			Str("url", redact(task.URL)).
			Str("path", out.Path).
			Int("attempts", out.Attempts).
			Msg("Download failed")
		return out
	}

	planetDownloadsTotal.WithLabelValues("success").Inc()
	m.logger.Info().
		Str("path", out.Path).
		Int64("bytes", out.Bytes).
		Dur("duration", out.Duration).
		Msg("Download complete")
	return out
}

func (m *Manager) attempts(ctx context.Context, index int, task Task, out *Outcome) error {
	op := "download " + redact(task.URL)

	if err := task.validate(); err != nil {
		return client.NewError(op, client.ErrInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return client.NewError(op, client.ErrCancelled, err)
	}
	if task.Path != "" && !m.opts.Overwrite {
		if exists(task.Path) {
			return client.NewError(op, client.ErrFileExists, errors.New(task.Path))
		}
	}

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		err := m.fetch(ctx, op, index, task, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, client.ErrChecksumMismatch) && attempt <= m.opts.ChecksumRetries && ctx.Err() == nil {
			m.logger.Warn().
				Err(err).
				Str("path", out.Path).
				Int("attempt", attempt).
				Msg("Checksum mismatch, downloading again")
			continue
		}
		return err
	}
}

// fetch streams one attempt of task into place.
func (m *Manager) fetch(ctx context.Context, op string, index int, task Task, out *Outcome) error {
	out.Bytes = 0

	resp, err := m.streamer.Stream(ctx, task.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out.Total = resp.ContentLength

	dest := task.Path
	if dest == "" {
		name, err := Filename(resp)
		if err != nil {
			return client.NewError(op, client.ErrInvalidArgument, err)
		}
		dest = filepath.Join(task.Dir, name)
		if !m.opts.Overwrite && exists(dest) {
			out.Path = dest
			return client.NewError(op, client.ErrFileExists, errors.New(dest))
		}
	}
	out.Path = dest

	dir := filepath.Dir(dest)
	if m.opts.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%s: create directory: %w", op, err)
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("%s: create temp file: %w", op, err)
	}
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var digest hash.Hash
	if task.Checksum != nil {
		if digest, err = task.Checksum.Algorithm.newHash(); err != nil {
			return client.NewError(op, client.ErrInvalidArgument, err)
		}
	}

	pw := &progressWriter{
		emit:      m.emit,
		sometimes: &rate.Sometimes{Interval: m.opts.ProgressInterval},
		event:     Progress{Index: index, URL: task.URL, Path: dest, Total: resp.ContentLength},
	}
	writers := []io.Writer{tmp, pw}
	if digest != nil {
		writers = append(writers, digest)
	}

	n, copyErr := io.Copy(io.MultiWriter(writers...), resp.Body)
	out.Bytes = n
	planetDownloadBytesTotal.Add(float64(n))

	if copyErr != nil {
		if ctx.Err() != nil {
			return client.NewError(op, client.ErrCancelled, ctx.Err())
		}
		if resp.ContentLength > 0 && n < resp.ContentLength {
			return client.NewError(op, client.ErrIncompleteDownload,
				fmt.Errorf("received %d of %d bytes: %w", n, resp.ContentLength, copyErr))
		}
		return client.NewError(op, client.ErrConnection, copyErr)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return client.NewError(op, client.ErrIncompleteDownload, fmt.Errorf("received %d of %d bytes", n, resp.ContentLength))
	}

	if digest != nil {
		got := hex.EncodeToString(digest.Sum(nil))
		if !strings.EqualFold(got, task.Checksum.Digest) {
			return client.NewError(op, client.ErrChecksumMismatch,
				fmt.Errorf("%s %s, expected %s", task.Checksum.Algorithm, got, task.Checksum.Digest))
		}
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: close temp file: %w", op, err)
	}
	if !m.opts.Overwrite && exists(dest) {
		return client.NewError(op, client.ErrFileExists, errors.New(dest))
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("%s: rename into place: %w", op, err)
	}
	keep = true
	return nil
}

func (m *Manager) emit(p Progress) {
	if m.opts.OnProgress != nil {
		m.opts.OnProgress(p)
	}
}

// progressWriter counts bytes and emits rate-limited progress events.
type progressWriter struct {
	emit      func(Progress)
	sometimes *rate.Sometimes
	event     Progress
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.event.Bytes += int64(len(p))
	pw.sometimes.Do(func() { pw.emit(pw.event) })
	return len(p), nil
}

// Filename picks the local file name for resp: the Content-Disposition
// filename when present, otherwise the last segment of the request path.
// Names that would escape the destination directory are rejected.
func Filename(resp *http.Response) (string, error) {
	var name string
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			name = params["filename"]
		}
	}
	if name == "" && resp.Request != nil && resp.Request.URL != nil {
		name = path.Base(resp.Request.URL.Path)
	}
	return cleanName(name)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", fmt.Errorf("cannot determine file name (got %q)", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("file name %q contains a path separator", name)
	}
	return name, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// redact drops the query, which carries signatures on pre-signed URLs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.Redacted()
}
