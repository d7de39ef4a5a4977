package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	grabhttp "github.com/tanq16/grabber/internal/downloaders/http"
	s3sink "github.com/tanq16/grabber/internal/downloaders/s3"
	"github.com/tanq16/grabber/internal/output"
	"github.com/tanq16/grabber/internal/utils"
)

type Config struct {
	Client         utils.HTTPDoer
	Workers        int
	ProbeTimeout   time.Duration
	SessionOptions []grabhttp.Option
	S3Profile      string
	// Uploader overrides the AWS uploader built for s3:// targets.
	Uploader s3sink.Uploader
}

// Run downloads entries with cfg.Workers workers. Every worker owns a single
// session that it reuses for each entry it picks up. Canceling ctx stops the
// in-flight transfers.
func Run(ctx context.Context, entries []utils.DownloadEntry, cfg Config, outputMgr *output.Manager) error {
	numWorkers := max(1, min(cfg.Workers, len(entries)))
	r := &runner{cfg: cfg, outputMgr: outputMgr}

	jobCh := make(chan utils.DownloadEntry, len(entries))
	for _, entry := range entries {
		jobCh <- entry
	}
	close(jobCh)

	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()

	var wg sync.WaitGroup
	for i := range numWorkers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.processJobs(ctx, workerID, jobCh)
		}(i)
	}
	wg.Wait()

	if failed := r.failed.Load(); failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(entries))
	}
	return nil
}

type runner struct {
	cfg       Config
	outputMgr *output.Manager
	failed    atomic.Int64

	uploaderOnce sync.Once
	uploader     s3sink.Uploader
	uploaderErr  error
}

func (r *runner) processJobs(ctx context.Context, workerID int, jobCh <-chan utils.DownloadEntry) {
	var funcID int
	opts := append([]grabhttp.Option{}, r.cfg.SessionOptions...)
	opts = append(opts, grabhttp.WithProgressFunc(func(p grabhttp.Progress) {
		r.outputMgr.UpdateProgress(funcID, p.BytesRead, p.TotalBytes, p.Speed)
	}))
	session := grabhttp.NewSession(r.cfg.Client, opts...)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			session.Stop()
		case <-stopWatch:
		}
	}()

	for entry := range jobCh {
		funcID = r.outputMgr.Register(entry.URL)
		if err := ctx.Err(); err != nil {
			r.fail(funcID, err)
			continue
		}
		log.Debug().Str("op", "scheduler").Int("worker", workerID).Msgf("Picked up %s", entry.URL)

		r.outputMgr.SetMessage(funcID, fmt.Sprintf("Resolving %s", entry.URL))
		target, err := ResolveTarget(ctx, r.cfg.Client, entry, r.cfg.ProbeTimeout)
		if err != nil {
			r.fail(funcID, err)
			continue
		}
		r.outputMgr.SetMessage(funcID, fmt.Sprintf("Downloading %s", target))
		if err := r.start(ctx, session, entry.URL, target); err != nil {
			r.fail(funcID, err)
			continue
		}
		if ctx.Err() != nil {
			session.Stop()
		}
		if err := session.Wait(); err != nil {
			r.fail(funcID, err)
			continue
		}
		r.outputMgr.Complete(funcID, fmt.Sprintf("Completed %s", target))
	}
}

func (r *runner) fail(funcID int, err error) {
	r.failed.Add(1)
	r.outputMgr.ReportError(funcID, err)
}

func (r *runner) start(ctx context.Context, session *grabhttp.Session, rawURL, target string) error {
	if !s3sink.IsS3URL(target) {
		return session.StartFile(rawURL, target)
	}
	bucket, key, err := s3sink.ParseS3URL(target)
	if err != nil {
		return fmt.Errorf("%w: %v", grabhttp.ErrSinkUnavailable, err)
	}
	r.uploaderOnce.Do(func() {
		if r.cfg.Uploader != nil {
			r.uploader = r.cfg.Uploader
			return
		}
		r.uploader, r.uploaderErr = s3sink.NewUploader(ctx, r.cfg.S3Profile)
	})
	if r.uploaderErr != nil {
		return fmt.Errorf("%w: %v", grabhttp.ErrSinkUnavailable, r.uploaderErr)
	}
	sink := s3sink.NewSink(ctx, r.uploader, bucket, key)
	if err := session.Start(rawURL, sink); err != nil {
		_ = grabhttp.CloseSink(sink, err)
		return err
	}
	return nil
}

// ResolveTarget picks the output for an entry. Without an explicit path the
// remote file name is probed; existing local files are never overwritten.
func ResolveTarget(ctx context.Context, client utils.HTTPDoer, entry utils.DownloadEntry, probeTimeout time.Duration) (string, error) {
	target := entry.OutputPath
	if s3sink.IsS3URL(target) {
		return target, nil
	}
	if target == "" {
		info, err := grabhttp.Probe(ctx, client, entry.URL, probeTimeout)
		if err != nil {
			return "", fmt.Errorf("error getting file info: %w", err)
		}
		target = info.FileName
		if target == "" {
			target = "download"
		}
	}
	if _, err := os.Stat(target); err == nil {
		target = utils.RenewOutputPath(target)
	}
	return target, nil
}
