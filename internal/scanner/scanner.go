// internal/scanner/scanner.go
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"distributed-resize/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultExtensions are the image files picked up by Scan.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// Job is one image to downscale.
type Job struct {
	Path   string
	Output string
	Size   int64
}

// Options control which files become jobs.
type Options struct {
	MinSize    int64
	Suffix     string
	Extensions []string
}

// Scan walks root and returns a job for every image that is large enough,
// is not itself an output and has no output next to it yet.
func Scan(root string, opts Options) ([]Job, error) {
	if opts.Suffix == "" {
		return nil, errors.New("output suffix must not be empty")
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	var jobs []Job
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if !hasExt(exts, ext) {
			return nil
		}
		stem := strings.TrimSuffix(path, ext)
		if strings.HasSuffix(stem, opts.Suffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() < opts.MinSize {
			return nil
		}
		output := stem + opts.Suffix + ext
		if _, err := os.Stat(output); err == nil {
			return nil
		}
		jobs = append(jobs, Job{Path: path, Output: output, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return jobs, nil
}

func hasExt(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Dispatcher runs one task to completion. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) (domain.Result, error)
}

// Summary counts the outcome of a run.
type Summary struct {
	Done      int
	Failed    int
	InBytes   int64
	OutBytes  int64
	Local     int
	Remote    int
	Reassigns int
	Elapsed   time.Duration
}

// Runner feeds scanned jobs to a dispatcher with bounded concurrency.
type Runner struct {
	dispatcher  Dispatcher
	capability  string
	maxInFlight int
	validate    func(payload []byte) error
	logger      *slog.Logger
}

// NewRunner creates a runner keeping at most maxInFlight tasks outstanding.
func NewRunner(d Dispatcher, capability string, maxInFlight int, logger *slog.Logger) *Runner {
	return &Runner{
		dispatcher:  d,
		capability:  capability,
		maxInFlight: max(1, maxInFlight),
		logger:      logger.With("component", "scanner"),
	}
}

// WithValidator makes the runner reject a payload before dispatch when fn
// returns an error. Rejected files count as failed.
func (r *Runner) WithValidator(fn func(payload []byte) error) *Runner {
	r.validate = fn
	return r
}

// Run processes jobs and writes every output. File errors only fail their
// own job; a capability without any provider aborts the run.
func (r *Runner) Run(ctx context.Context, jobs []Job) (Summary, error) {
	var (
		done, failed, local, remote, reassigns atomic.Int64
		inBytes, outBytes                      atomic.Int64
	)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxInFlight)
	for i, job := range jobs {
		g.Go(func() error {
			logger := r.logger.With("file", job.Path, "index", i+1, "total", len(jobs))

			payload, err := os.ReadFile(job.Path)
			if err != nil {
				failed.Add(1)
				logger.Error("failed to read image", "error", err)
				return nil
			}
			if r.validate != nil {
				if err := r.validate(payload); err != nil {
					failed.Add(1)
					logger.Error("skipping unreadable image", "error", err)
					return nil
				}
			}

			res, err := r.dispatcher.Dispatch(ctx, domain.Task{
				ID:         uuid.NewString(),
				Capability: r.capability,
				Payload:    payload,
			})
			if err != nil {
				if errors.Is(err, domain.ErrCapabilityNotFound) || ctx.Err() != nil {
					return err
				}
				failed.Add(1)
				logger.Error("failed to process image", "error", err)
				return nil
			}

			if err := writeAtomic(job.Output, res.Output); err != nil {
				failed.Add(1)
				logger.Error("failed to write output", "output", job.Output, "error", err)
				return nil
			}

			done.Add(1)
			inBytes.Add(int64(len(payload)))
			outBytes.Add(int64(len(res.Output)))
			reassigns.Add(int64(res.Retries))
			if res.Kind == domain.PoolLocal {
				local.Add(1)
			} else {
				remote.Add(1)
			}
			logger.Info("image resized", "pool", res.Kind.String(), "addr", res.Address.String(), "in_bytes", len(payload), "out_bytes", len(res.Output))
			return nil
		})
	}
	err := g.Wait()

	summary := Summary{
		Done:      int(done.Load()),
		Failed:    int(failed.Load()),
		InBytes:   inBytes.Load(),
		OutBytes:  outBytes.Load(),
		Local:     int(local.Load()),
		Remote:    int(remote.Load()),
		Reassigns: int(reassigns.Load()),
		Elapsed:   time.Since(start),
	}
	r.logger.Info("run finished",
		"done", summary.Done,
		"failed", summary.Failed,
		"local", summary.Local,
		"remote", summary.Remote,
		"reassigns", summary.Reassigns,
		"elapsed", summary.Elapsed,
	)
	return summary, err
}

// writeAtomic writes data to a temp file next to path and renames it into
// place. A partial output is never visible under path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".resize-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
