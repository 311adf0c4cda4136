// Package orchestrator coordinates the ingest pipeline end to end:
// source -> parser -> staging replace -> index build.
//
// Builds are single-flight. A trigger returns immediately with a handle and
// the build runs as a detached background task; the latest status document
// is superseded on every attempt, success or failure, so staleness is
// always observable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/index"
	"github.com/fyrsmithlabs/rivald/internal/parser"
	"github.com/fyrsmithlabs/rivald/internal/source"
	"github.com/fyrsmithlabs/rivald/internal/staging"
)

// Sentinel errors for build orchestration.
var (
	// ErrBuildInProgress is returned when a build is triggered while one is
	// still running. Callers can read the running id from the Conflict.
	ErrBuildInProgress = errors.New("build already in progress")

	// ErrNoBuild is returned by Status before the first trigger.
	ErrNoBuild = errors.New("no build has been triggered yet")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// Conflict carries the running build's id when a trigger is rejected.
type Conflict struct {
	RunningBuildID string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("%v: running build %s", ErrBuildInProgress, c.RunningBuildID)
}

// Unwrap lets errors.Is match ErrBuildInProgress.
func (c *Conflict) Unwrap() error {
	return ErrBuildInProgress
}

// Handle identifies a triggered build.
type Handle struct {
	// BuildID is the build's opaque token.
	BuildID string `json:"build_id"`

	// StartedAt is when the build was accepted.
	StartedAt time.Time `json:"started_at"`
}

// SourceFactory opens a fresh record source per build. Sources are
// single-pass, so each build gets its own.
type SourceFactory func() (source.Source, error)

// Orchestrator runs builds single-flight and tracks the latest status.
type Orchestrator struct {
	newSource SourceFactory
	parser    *parser.Parser
	staging   *staging.Store
	builder   *index.Builder
	logger    *zap.Logger

	building atomic.Bool
	seq      atomic.Uint64

	// onComplete, when set, observes every finished build attempt.
	onComplete func(state string, duration time.Duration)

	mu        sync.RWMutex
	latest    index.Status
	hasStatus bool
	running   string
	cancel    context.CancelFunc
	closed    bool
	done      chan struct{}
}

// New creates an Orchestrator. The initial status state is empty: Status
// returns ErrNoBuild until the first trigger.
func New(newSource SourceFactory, p *parser.Parser, store *staging.Store, builder *index.Builder, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		newSource: newSource,
		parser:    p,
		staging:   store,
		builder:   builder,
		logger:    logger,
	}
}

// OnBuildComplete registers a hook observing finished build attempts, for
// metrics. Must be called before the first trigger.
func (o *Orchestrator) OnBuildComplete(fn func(state string, duration time.Duration)) {
	o.onComplete = fn
}

// TriggerBuild starts a build in the background and returns its handle.
// A second trigger while one is in progress returns a *Conflict wrapping
// ErrBuildInProgress and leaves the staging store and index untouched.
func (o *Orchestrator) TriggerBuild(batchSize int, forceRebuild bool) (Handle, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if !o.building.CompareAndSwap(false, true) {
		running := o.running
		o.mu.Unlock()
		return Handle{}, &Conflict{RunningBuildID: running}
	}

	now := time.Now().UTC()
	buildID := index.FormatBuildID(now, o.seq.Add(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.running = buildID
	o.cancel = cancel
	o.done = done
	o.latest = index.Status{
		BuildID:     buildID,
		State:       index.StateInProgress,
		LastUpdated: now,
	}
	o.hasStatus = true
	o.mu.Unlock()

	handle := Handle{BuildID: buildID, StartedAt: now}

	go func() {
		defer close(done)
		defer cancel()
		// Release the single-flight lock on every exit path.
		defer o.building.Store(false)

		status := o.run(ctx, buildID, batchSize, forceRebuild)

		o.mu.Lock()
		o.latest = status
		o.running = ""
		o.cancel = nil
		// Release under the lock together with clearing running, so a
		// concurrent trigger never wins the flag while running is already
		// empty and reports a blank id in its conflict.
		o.building.Store(false)
		o.mu.Unlock()

		if o.onComplete != nil {
			o.onComplete(status.State, time.Since(now))
		}
	}()

	o.logger.Info("build triggered",
		zap.String("build_id", buildID),
		zap.Int("batch_size", batchSize),
		zap.Bool("force_rebuild", forceRebuild),
	)
	return handle, nil
}

// run executes one build attempt and always returns a final status.
func (o *Orchestrator) run(ctx context.Context, buildID string, batchSize int, forceRebuild bool) index.Status {
	fail := func(err error) index.Status {
		o.logger.Error("build failed",
			zap.String("build_id", buildID),
			zap.Error(err),
		)
		return index.Status{
			BuildID:     buildID,
			State:       index.StateFailed,
			Reason:      err.Error(),
			LastUpdated: time.Now().UTC(),
		}
	}

	src, err := o.newSource()
	if err != nil {
		return fail(fmt.Errorf("opening source: %w", err))
	}
	defer src.Close()

	parsed, err := o.parser.Parse(ctx, src, batchSize)
	if err != nil {
		return fail(fmt.Errorf("parsing source: %w", err))
	}
	if len(parsed.Errors) > 0 {
		o.logger.Warn("rejected source rows",
			zap.String("build_id", buildID),
			zap.Int("rejected", len(parsed.Errors)),
		)
	}

	token, err := o.staging.Replace(ctx, parsed.Records)
	if err != nil {
		return fail(fmt.Errorf("replacing staging snapshot: %w", err))
	}

	status, err := o.builder.Build(ctx, buildID, token, forceRebuild)
	if err != nil {
		// Builder already finalized the failed status document.
		return status
	}
	return status
}

// Status returns the latest build status document.
func (o *Orchestrator) Status() (index.Status, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.hasStatus {
		return index.Status{}, ErrNoBuild
	}
	return o.latest, nil
}

// Close cancels a running build and waits for it to settle.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
