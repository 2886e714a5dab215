package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bravo-optimo/optimo-worker/adapter/webhook"
	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/metrics"
	"github.com/bravo-optimo/optimo-worker/store"
	"github.com/bravo-optimo/optimo-worker/types"
)

// idleTick is the pipeline dequeue timeout while nothing is pending.
const idleTick = 500 * time.Millisecond

// callbackBuffer sizes the result channel so a slow controller POST
// never stalls the worker pool.
const callbackBuffer = 1024

// batchPayload is the callback body for one flushed batch. Items carry
// no per-pass zips; the batch ships one combined zip (inline or via the
// artifact store) instead.
type batchPayload struct {
	RunID               string             `json:"run_id"`
	Items               []types.PassResult `json:"items"`
	ArtifactsBatchZipB64 string            `json:"artifacts_batch_zip_b64,omitempty"`
	ArtifactsKey        string             `json:"artifacts_key,omitempty"`
}

// callbackPipeline is the single consumer shared by all workers when
// batching is enabled. Delivery is best-effort: failures are logged and
// never retried, and the pipeline never blocks worker progress.
type callbackPipeline struct {
	logger  *log.Logger
	rs      *RunState
	poster  *webhook.Adapter
	metrics *metrics.Collector

	batchSize        int
	flushEvery       time.Duration
	postTimeout      time.Duration
	includeArtifacts bool
	artifacts        store.Store

	batchSeq int
}

// startCallbackPipeline wires the run's result channel to a pipeline
// consumer. Returns false when callbacks are disabled or misconfigured.
func (c *Controller) startCallbackPipeline(rs *RunState) bool {
	if rs.Config.CallbackURL == "" || c.cfg.CallbackBatchSize <= 1 {
		return false
	}

	poster, err := webhook.New(webhook.Config{
		URL:     rs.Config.CallbackURL,
		Timeout: c.cfg.CallbackTimeout,
		Retries: 0,
	})
	if err != nil {
		c.logger.WithRun(rs.RunID).Error("callback disabled", map[string]any{"error": err.Error()})
		return false
	}

	rs.callbackCh = make(chan types.PassResult, callbackBuffer)
	rs.pipelineDone = make(chan struct{})

	p := &callbackPipeline{
		logger:           c.logger.WithRun(rs.RunID),
		rs:               rs,
		poster:           poster,
		metrics:          c.metrics,
		batchSize:        c.cfg.CallbackBatchSize,
		flushEvery:       c.cfg.CallbackFlushEvery,
		postTimeout:      c.cfg.CallbackTimeout,
		includeArtifacts: rs.Config.WantArtifacts(),
		artifacts:        c.artifacts,
	}
	go p.run()
	return true
}

// run consumes results until the channel closes, flushing by count, by
// timer while pending, and once more on drain. The final flush is
// mandatory.
func (p *callbackPipeline) run() {
	defer close(p.rs.pipelineDone)
	defer func() { _ = p.poster.Close() }()

	pending := make([]types.PassResult, 0, p.batchSize)

	for {
		wait := idleTick
		if len(pending) > 0 {
			wait = p.flushEvery
		}
		timer := time.NewTimer(wait)

		select {
		case res, ok := <-p.rs.callbackCh:
			timer.Stop()
			if !ok {
				if len(pending) > 0 {
					p.flush(pending)
				}
				return
			}
			pending = append(pending, res)
			if len(pending) >= p.batchSize {
				p.flush(pending)
				pending = pending[:0]
			}
		case <-timer.C:
			if len(pending) > 0 {
				p.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

// flush posts one batch. Within-batch order is completion order.
func (p *callbackPipeline) flush(batch []types.PassResult) {
	p.batchSeq++

	payload := batchPayload{
		RunID: p.rs.RunID,
		Items: make([]types.PassResult, len(batch)),
	}
	copy(payload.Items, batch)
	for i := range payload.Items {
		payload.Items[i].ArtifactsZipB64 = ""
	}

	if p.includeArtifacts {
		p.attachArtifacts(&payload, batch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.postTimeout)
	err := p.poster.PostJSON(ctx, &payload)
	cancel()

	if err != nil {
		p.metrics.IncCallbacksFailed()
		p.logger.Error("callback batch post failed", map[string]any{
			"batch_size":     len(batch),
			"first_pass_ids": firstPassIDs(batch, 5),
			"error":          err.Error(),
		})
		return
	}
	p.metrics.IncCallbacksPosted()
}

// attachArtifacts adds the batch zip, preferring the artifact store
// over inline base64. Store failures fall back to inline.
func (p *callbackPipeline) attachArtifacts(payload *batchPayload, batch []types.PassResult) {
	ids := make([]int, len(batch))
	for i, r := range batch {
		ids[i] = r.PassID
	}

	data, files, err := zipBatch(p.rs.Workdir, ids)
	if err != nil {
		p.logger.Warn("batch artifact zip failed", map[string]any{"error": err.Error()})
		return
	}
	if files == 0 {
		return
	}

	if p.artifacts != nil {
		key := fmt.Sprintf("%s/batch_%d.zip", p.rs.RunID, p.batchSeq)
		ctx, cancel := context.WithTimeout(context.Background(), p.postTimeout)
		location, err := p.artifacts.Put(ctx, key, data)
		cancel()
		if err == nil {
			payload.ArtifactsKey = location
			return
		}
		p.logger.Warn("artifact store put failed, sending inline", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}

	payload.ArtifactsBatchZipB64 = base64.StdEncoding.EncodeToString(data)
}

func firstPassIDs(batch []types.PassResult, n int) []int {
	if len(batch) < n {
		n = len(batch)
	}
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		ids[i] = batch[i].PassID
	}
	return ids
}

// dispatchResult hands one result to the callback path: the batching
// pipeline when running, otherwise a detached single POST.
func (c *Controller) dispatchResult(rs *RunState, res types.PassResult) {
	if rs.callbackCh != nil {
		rs.callbackCh <- res
		return
	}
	if rs.Config.CallbackURL == "" {
		return
	}
	go c.postSingle(rs, res)
}

// postSingle delivers one PassResult, with its per-pass zip inline when
// artifacts are requested. Best-effort like the batch path.
func (c *Controller) postSingle(rs *RunState, res types.PassResult) {
	logger := c.logger.WithRun(rs.RunID)

	if rs.Config.WantArtifacts() {
		zip, err := c.artifactCache.PassZip(rs.Workdir, rs.RunID, res.PassID)
		if err != nil {
			logger.Warn("pass artifact zip failed", map[string]any{
				"pass_id": res.PassID,
				"error":   err.Error(),
			})
		} else {
			res.ArtifactsZipB64 = zip
		}
	}

	poster, err := webhook.New(webhook.Config{
		URL:     rs.Config.CallbackURL,
		Timeout: c.cfg.CallbackTimeout,
		Retries: 0,
	})
	if err != nil {
		logger.Error("callback disabled", map[string]any{"error": err.Error()})
		return
	}
	defer func() { _ = poster.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallbackTimeout)
	defer cancel()
	if err := poster.PostJSON(ctx, &res); err != nil {
		c.metrics.IncCallbacksFailed()
		logger.Error("callback post failed", map[string]any{
			"pass_id": res.PassID,
			"error":   err.Error(),
		})
		return
	}
	c.metrics.IncCallbacksPosted()
}
