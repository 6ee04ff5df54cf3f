package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
	"github.com/doublej/snail-mail-parser/internal/observability/metrics"
)

type CoordinatorConfig struct {
	SweepInterval     time.Duration
	ExtractionWorkers int
}

// Coordinator drives sessions through the state machine. It is the single
// writer of session state: extraction, assembly, classification and commit
// all report their results here instead of mutating state themselves.
type Coordinator struct {
	evidence   ports.EvidenceStore
	sessions   ports.SessionRepository
	assembler  *Assembler
	extractUC  *ExtractFileUseCase
	classifyUC *ClassifySessionUseCase
	commitUC   *CommitSessionUseCase
	judge      ports.SessionClassifier
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
	cfg        CoordinatorConfig

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
	sem      chan struct{}

	// lifeCtx governs async pipeline work. Queue adapters and HTTP handlers
	// cancel their delivery contexts as soon as a handler returns, which
	// must not kill extraction or classification already in flight.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

func NewCoordinator(
	evidence ports.EvidenceStore,
	sessions ports.SessionRepository,
	assembler *Assembler,
	extractUC *ExtractFileUseCase,
	classifyUC *ClassifySessionUseCase,
	commitUC *CommitSessionUseCase,
	judge ports.SessionClassifier,
	pipelineMetrics *metrics.PipelineMetrics,
	logger *slog.Logger,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.ExtractionWorkers <= 0 {
		cfg.ExtractionWorkers = 4
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Coordinator{
		evidence:   evidence,
		sessions:   sessions,
		assembler:  assembler,
		extractUC:  extractUC,
		classifyUC: classifyUC,
		commitUC:   commitUC,
		judge:      judge,
		metrics:    pipelineMetrics,
		logger:     logger,
		cfg:        cfg,
		inFlight:   make(map[string]struct{}),
		sem:        make(chan struct{}, cfg.ExtractionWorkers),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Start rebuilds in-memory state from durable storage and resumes sessions
// interrupted mid-classification. Interrupted sessions were left in
// classifying state; they fall back to awaiting and are redispatched.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	err := c.assembler.Restore(ctx, c.evidence)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("restore assembler state: %w", err)
	}

	interrupted, err := c.sessions.ListByState(ctx, domain.StateClassifying)
	if err != nil {
		return fmt.Errorf("list interrupted sessions: %w", err)
	}
	for i := range interrupted {
		if err := c.sessions.UpdateState(ctx, interrupted[i].ID, domain.StateAwaiting, interrupted[i].ForceClosed); err != nil {
			return fmt.Errorf("resume session %s: %w", interrupted[i].ID, err)
		}
		c.logger.Info("session_resumed", "session_id", interrupted[i].ID)
	}

	awaiting, err := c.sessions.ListByState(ctx, domain.StateAwaiting)
	if err != nil {
		return fmt.Errorf("list awaiting sessions: %w", err)
	}
	for i := range awaiting {
		c.dispatchClassification(awaiting[i].ID)
	}
	return nil
}

// Run executes the periodic sweep until the context is cancelled, then
// drains in-flight work so no session is left partially committed.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.lifeCancel()
			c.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("sweep_failed", "error", err)
			}
		}
	}
}

// HandleFileDiscovered dispatches extraction for a new file into the bounded
// worker pool and, once evidence exists, hands the file to the assembler.
// Extraction runs outside the coordinator lock; only bookkeeping holds it.
// The delivery context only gates acceptance of the message: the async work
// runs on the coordinator's lifecycle and outlives the handler's return.
func (c *Coordinator) HandleFileDiscovered(deliveryCtx context.Context, fileID string) error {
	if err := deliveryCtx.Err(); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := c.lifeCtx

		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return
		}

		start := time.Now()
		ev, err := c.extractUC.ExtractByID(ctx, fileID)
		c.metrics.FinishExtraction(time.Since(start), err)
		if err != nil {
			c.logger.Error("extraction_error", "file_id", fileID, "error", err)
			return
		}

		file, err := c.evidence.GetFile(ctx, fileID)
		if err != nil {
			c.logger.Error("fetch_file_after_extraction", "file_id", fileID, "error", err)
			return
		}

		c.mu.Lock()
		_, err = c.assembler.AssignFile(ctx, file)
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("session_assignment_failed", "file_id", fileID, "error", err)
			return
		}
		if ev.Failed {
			c.logger.Warn("file_joined_with_failed_extraction", "file_id", fileID)
		}
	}()
	return nil
}

// Sweep re-evaluates open sessions: quiet sessions get the same-document
// tie-break against their adjacent candidate, idle sessions are force-closed
// for liveness. External judgments run outside the lock and are re-validated
// before they are applied, since either side may have advanced meanwhile.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	c.mu.Lock()
	decisions := c.assembler.DueSessions(now)
	openCount := len(c.assembler.OpenSessionIDs())
	c.mu.Unlock()

	c.metrics.SetOpenSessions(openCount)

	for _, decision := range decisions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if decision.Force {
			c.closeAndDispatch(ctx, decision.SessionID, true)
			continue
		}

		merge := false
		if decision.CandidateID != "" {
			same, err := c.sameDocument(ctx, decision.SessionID, decision.CandidateID)
			if err != nil {
				c.logger.Warn("same_document_judgment_failed",
					"session_id", decision.SessionID,
					"candidate_id", decision.CandidateID,
					"error", err,
				)
				// Leave the session open; the next sweep retries the
				// judgment until the max-idle bound forces progress.
				continue
			}
			merge = same
		}

		if merge {
			c.mu.Lock()
			stillValid := c.assembler.IsOpen(decision.SessionID) && c.assembler.IsOpen(decision.CandidateID)
			var err error
			if stillValid {
				err = c.assembler.Merge(ctx, decision.CandidateID, decision.SessionID)
			}
			c.mu.Unlock()
			if err != nil {
				c.logger.Error("session_merge_failed",
					"source", decision.CandidateID,
					"target", decision.SessionID,
					"error", err,
				)
			}
			continue
		}

		c.closeAndDispatch(ctx, decision.SessionID, false)
	}
	return nil
}

func (c *Coordinator) sameDocument(ctx context.Context, sessionID, candidateID string) (bool, error) {
	bundleA, err := c.bundleFor(ctx, sessionID)
	if err != nil {
		return false, err
	}
	bundleB, err := c.bundleFor(ctx, candidateID)
	if err != nil {
		return false, err
	}
	return c.judge.SameDocument(ctx, bundleA, bundleB)
}

func (c *Coordinator) bundleFor(ctx context.Context, sessionID string) (ports.EvidenceBundle, error) {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return ports.EvidenceBundle{}, err
	}
	bundle, _, err := c.classifyUC.BundleForSession(ctx, session)
	return bundle, err
}

func (c *Coordinator) closeAndDispatch(ctx context.Context, sessionID string, forced bool) {
	c.mu.Lock()
	open := c.assembler.IsOpen(sessionID)
	var err error
	if open {
		err = c.assembler.Close(ctx, sessionID, forced)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("session_close_failed", "session_id", sessionID, "error", err)
		return
	}
	if !open {
		// Stale decision: the session was merged away or closed by a
		// competing pass after the sweep snapshot was taken. Whatever
		// absorbed or closed it owns the dispatch.
		return
	}
	c.dispatchClassification(sessionID)
}

// dispatchClassification runs classify+commit for one session on the
// coordinator's lifecycle context. The in-flight marker guarantees at most
// one classification call per session at a time.
func (c *Coordinator) dispatchClassification(sessionID string) {
	c.mu.Lock()
	if _, busy := c.inFlight[sessionID]; busy {
		c.mu.Unlock()
		return
	}
	c.inFlight[sessionID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, sessionID)
			c.mu.Unlock()
		}()
		c.runClassification(c.lifeCtx, sessionID)
	}()
}

func (c *Coordinator) runClassification(ctx context.Context, sessionID string) {
	if err := c.transition(ctx, sessionID, domain.StateClassifying); err != nil {
		c.logger.Error("transition_to_classifying_failed", "session_id", sessionID, "error", err)
		return
	}

	start := time.Now()
	_, err := c.classifyUC.ClassifySession(ctx, sessionID)
	c.metrics.FinishClassification(time.Since(start), err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-call: put the session back where a restart can
			// pick it up instead of burying it as failed.
			c.revertToAwaiting(sessionID)
			return
		}
		c.failSession(ctx, sessionID, err)
		return
	}

	paths, err := c.commitUC.CommitSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.revertToAwaiting(sessionID)
			return
		}
		c.failSession(ctx, sessionID, err)
		return
	}

	if err := c.transition(ctx, sessionID, domain.StateCommitted); err != nil {
		c.logger.Error("transition_to_committed_failed", "session_id", sessionID, "error", err)
		return
	}
	c.metrics.SessionCommitted()
	c.logger.Info("session_committed", "session_id", sessionID, "yaml", paths.YAML, "markdown", paths.Markdown)
}

func (c *Coordinator) transition(ctx context.Context, sessionID string, next domain.SessionState) error {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.State.CanTransition(next) {
		return domain.WrapError(domain.ErrInvalidInput, "state transition",
			fmt.Errorf("illegal transition %s -> %s for session %s", session.State, next, sessionID))
	}
	return c.sessions.UpdateState(ctx, sessionID, next, session.ForceClosed)
}

func (c *Coordinator) revertToAwaiting(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.sessions.UpdateState(ctx, sessionID, domain.StateAwaiting, false); err != nil {
		c.logger.Error("revert_to_awaiting_failed", "session_id", sessionID, "error", err)
	}
}

// failSession is terminal for the session but never for the pipeline: other
// sessions keep processing.
func (c *Coordinator) failSession(ctx context.Context, sessionID string, cause error) {
	c.metrics.SessionFailed()
	if err := c.sessions.UpdateState(ctx, sessionID, domain.StateFailed, false); err != nil {
		c.logger.Error("transition_to_failed_failed", "session_id", sessionID, "error", err)
	}
	c.logger.Error("session_failed", "session_id", sessionID, "error", cause)
}

// FlushOpen force-closes every collecting session on operator demand.
// Shutdown does not flush: collecting sessions are durable and Restore
// rebuilds them on the next start.
func (c *Coordinator) FlushOpen(ctx context.Context) error {
	c.mu.Lock()
	ids := c.assembler.OpenSessionIDs()
	c.mu.Unlock()

	for _, id := range ids {
		c.closeAndDispatch(ctx, id, true)
	}
	return nil
}

// SessionStatus exposes the current pipeline state for a session.
func (c *Coordinator) SessionStatus(ctx context.Context, sessionID string) (*domain.Session, error) {
	return c.sessions.GetByID(ctx, sessionID)
}

// StatusForPath resolves a raw file path to its session's status.
func (c *Coordinator) StatusForPath(ctx context.Context, path string) (*domain.Session, error) {
	file, err := c.evidence.FindFileByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	sessionID, err := c.sessions.SessionIDForFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return c.sessions.GetByID(ctx, sessionID)
}
