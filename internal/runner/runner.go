package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fetchq/internal/artifact"
	"fetchq/internal/extractor"
	"fetchq/internal/metrics"
	"fetchq/internal/models"
	"fetchq/internal/muxer"
	"fetchq/internal/registry"
)

// Runner executes one goroutine per submitted job, driving the job through
// pending -> running -> [merging] -> finished/failed and publishing the
// output blob to the artifact store.
type Runner struct {
	registry  registry.JobRegistry
	store     *artifact.Store
	extractor extractor.Extractor
	muxer     muxer.Muxer
	metrics   *metrics.Metrics
	log       *slog.Logger
	workDir   string
	wg        sync.WaitGroup
}

// New creates a new runner. workDir is where per-job temp directories live.
func New(reg registry.JobRegistry, store *artifact.Store, ext extractor.Extractor, mux muxer.Muxer, m *metrics.Metrics, log *slog.Logger, workDir string) *Runner {
	return &Runner{
		registry:  reg,
		store:     store,
		extractor: ext,
		muxer:     mux,
		metrics:   m,
		log:       log,
		workDir:   workDir,
	}
}

// Launch starts the job's goroutine and returns immediately
func (r *Runner) Launch(jobID string, req models.SubmitRequest) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(context.Background(), jobID, req)
	}()
}

// Wait blocks until all launched jobs have returned
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, id string, req models.SubmitRequest) {
	log := r.log.With("job_id", id)

	if err := r.registry.SetState(ctx, id, models.StateRunning); err != nil {
		log.Error("failed to start job", "error", err)
		return
	}
	log.Info("job started", "url", req.URL, "selector", req.Selector)

	if req.Selector == models.SelectorLink {
		r.runDirect(ctx, id, req, log)
		return
	}

	dir, err := os.MkdirTemp(r.workDir, "job-*")
	if err != nil {
		r.fail(ctx, id, fmt.Sprintf("workspace: %v", err), log)
		return
	}
	// Temp inputs are reclaimed on every exit path, success or failure.
	defer os.RemoveAll(dir)

	if video, audio, ok := splitSelector(req.Selector); ok {
		r.runDual(ctx, id, req.URL, video, audio, dir, log)
		return
	}
	r.runSingle(ctx, id, req, dir, log)
}

// runDirect resolves a direct playable URL without downloading
func (r *Runner) runDirect(ctx context.Context, id string, req models.SubmitRequest, log *slog.Logger) {
	res, err := r.extractor.Resolve(ctx, extractor.Request{URL: req.URL, LinkOnly: true}, nil)
	if err != nil {
		r.fail(ctx, id, err.Error(), log)
		return
	}

	if err := r.registry.MarkFinishedDirect(ctx, id, res.DirectURL); err != nil {
		log.Warn("could not finish job", "error", err)
		return
	}
	r.metrics.IncrementFinishedJobs()
	log.Info("job finished", "direct_url", res.DirectURL)
}

// runSingle downloads one combined stream
func (r *Runner) runSingle(ctx context.Context, id string, req models.SubmitRequest, dir string, log *slog.Logger) {
	onProgress, stop := r.progressSink(ctx, id, 0, 95)
	res, err := r.extractor.Resolve(ctx, extractor.Request{
		URL:      req.URL,
		Selector: req.Selector,
		DestDir:  dir,
	}, onProgress)
	stop()
	if err != nil {
		r.fail(ctx, id, err.Error(), log)
		return
	}

	r.publish(ctx, id, res.Path, res.Filename, res.MediaType, log)
}

// runDual downloads video and audio streams separately and muxes them
func (r *Runner) runDual(ctx context.Context, id, url, videoSel, audioSel, dir string, log *slog.Logger) {
	videoDir, audioDir := filepath.Join(dir, "video"), filepath.Join(dir, "audio")
	for _, d := range []string{videoDir, audioDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			r.fail(ctx, id, fmt.Sprintf("workspace: %v", err), log)
			return
		}
	}

	onProgress, stop := r.progressSink(ctx, id, 0, 45)
	video, err := r.extractor.Resolve(ctx, extractor.Request{
		URL:      url,
		Selector: videoSel,
		DestDir:  videoDir,
	}, onProgress)
	stop()
	if err != nil {
		r.fail(ctx, id, err.Error(), log)
		return
	}

	onProgress, stop = r.progressSink(ctx, id, 45, 90)
	audio, err := r.extractor.Resolve(ctx, extractor.Request{
		URL:      url,
		Selector: audioSel,
		DestDir:  audioDir,
	}, onProgress)
	stop()
	if err != nil {
		r.fail(ctx, id, err.Error(), log)
		return
	}

	if err := r.registry.SetState(ctx, id, models.StateMerging); err != nil {
		log.Warn("could not enter merging state", "error", err)
		return
	}

	merged, err := r.muxer.Combine(ctx, video.Path, audio.Path)
	if err != nil {
		r.fail(ctx, id, err.Error(), log)
		return
	}
	_ = r.registry.SetProgress(ctx, id, 95)

	// The merged container follows the video input, which may differ from
	// the filename the extractor reported.
	ext := filepath.Ext(merged)
	filename := strings.TrimSuffix(video.Filename, filepath.Ext(video.Filename)) + ext
	mediaType := video.MediaType
	if t := mime.TypeByExtension(ext); t != "" {
		mediaType = t
	}

	r.publish(ctx, id, merged, filename, mediaType, log)
}

// publish hands the blob to the artifact store and finishes the job
func (r *Runner) publish(ctx context.Context, id, path, filename, mediaType string, log *slog.Logger) {
	artifactID, err := r.store.Put(path, filename, mediaType)
	if err != nil {
		r.fail(ctx, id, err.Error(), log)
		return
	}

	if err := r.registry.MarkFinished(ctx, id, artifactID); err != nil {
		// The watchdog failed the job first; don't leak the blob.
		r.store.Remove(artifactID)
		log.Warn("could not finish job", "error", err)
		return
	}
	r.metrics.IncrementFinishedJobs()
	log.Info("job finished", "artifact_id", artifactID)
}

func (r *Runner) fail(ctx context.Context, id, detail string, log *slog.Logger) {
	if err := r.registry.MarkFailed(ctx, id, detail); err != nil {
		if !errors.Is(err, registry.ErrTerminal) {
			log.Error("failed to record job failure", "error", err)
		}
		return
	}
	r.metrics.IncrementFailedJobs()
	log.Warn("job failed", "error", detail)
}

// progressSink returns a callback that forwards progress events to the
// registry through an ordered channel, scaled into [lo,hi]. stop waits for
// already-queued events to be applied. The channel is never closed: a
// collaborator firing the callback after returning gets dropped, not a panic.
func (r *Runner) progressSink(ctx context.Context, id string, lo, hi float64) (extractor.ProgressFunc, func()) {
	events := make(chan float64, 64)
	quit := make(chan struct{})
	done := make(chan struct{})

	apply := func(pct float64) {
		_ = r.registry.SetProgress(ctx, id, lo+(hi-lo)*pct/100)
	}

	go func() {
		defer close(done)
		for {
			select {
			case pct := <-events:
				apply(pct)
			case <-quit:
				for {
					select {
					case pct := <-events:
						apply(pct)
					default:
						return
					}
				}
			}
		}
	}()

	onProgress := func(pct float64) {
		// Dropping when full preserves ordering of what does get through.
		select {
		case events <- pct:
		default:
		}
	}
	stop := func() {
		close(quit)
		<-done
	}
	return onProgress, stop
}

// splitSelector recognizes dual-stream selectors of the form "video+audio".
// The named halves map to yt-dlp's best single-stream selectors; anything
// else passes through unchanged.
func splitSelector(selector string) (video, audio string, ok bool) {
	parts := strings.SplitN(selector, "+", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	video, audio = parts[0], parts[1]
	if video == "video" {
		video = "bestvideo"
	}
	if audio == "audio" {
		audio = "bestaudio"
	}
	return video, audio, true
}
