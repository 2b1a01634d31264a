package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/executor"
	"github.com/xkilldash9x/taskpilot/internal/livesession"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
)

const (
	defaultTurnTimeout = 60 * time.Second
	maxSendFailures    = 3
)

var errTurnTimeout = errors.New("no reply within the turn timeout")

// composer renders the text of the next outbound turn.
type composer func(turnContext) string

// taskRun is the state of one control loop. It is confined to the loop
// goroutine; shared task state lives in the record.
type taskRun struct {
	o       *Orchestrator
	rec     *record
	cfg     config.TaskConfig
	logger  *zap.Logger
	session Session
	page    Page
	exec    *executor.Executor
	policy  executor.RetryPolicy
	limiter *rate.Limiter
	events  <-chan livesession.Event

	turnTimeout   time.Duration
	noActionTurns int
	failures      int
	failedSigs    []string
	forbidden     map[string]bool
}

// run owns the task from acquisition of its page to release.
func (o *Orchestrator) run(ctx context.Context, rec *record, prevDone <-chan struct{}) {
	defer o.wg.Done()
	defer close(rec.done)
	defer func() {
		if m := o.deps.Metrics; m != nil {
			m.TasksActive.Dec()
		}
	}()

	task := rec.snapshot()
	logger := o.logger.With(observability.TaskFields(task.ID, rec.contextID)...)

	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			return
		}
	}

	summary, err := o.drive(ctx, rec, logger)
	switch {
	case err == nil:
		if o.finish(rec, schemas.TaskStatusComplete, summary, "") {
			logger.Info("Task complete.", zap.String("summary", summary))
			o.notify(rec, schemas.NotifyComplete, summary)
		}
	case ctx.Err() != nil || taskerr.CodeOf(err) == taskerr.CodeCanceled:
		if o.finish(rec, schemas.TaskStatusStopped, "", "stopped") {
			o.notify(rec, schemas.NotifyStopped, "Task stopped.")
		}
	default:
		reason := err.Error()
		if o.finish(rec, schemas.TaskStatusFailed, "", reason) {
			logger.Warn("Task failed.", zap.String("code", string(taskerr.CodeOf(err))), zap.Error(err))
			o.notify(rec, schemas.NotifyError, reason)
		}
	}

	if o.deps.Archive != nil {
		if err := o.deps.Archive.SaveTask(context.WithoutCancel(ctx), rec.snapshot()); err != nil {
			logger.Error("Failed to archive task.", zap.Error(err))
		}
	}
}

// drive sets up the page and the session, then runs the loop.
func (o *Orchestrator) drive(ctx context.Context, rec *record, logger *zap.Logger) (string, error) {
	o.notify(rec, schemas.NotifyConnecting, "Connecting to the reasoning service.")

	page, err := o.deps.Pages.Acquire(rec.contextID)
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeCapabilityRestricted, err, "page context %s is unavailable", rec.contextID)
	}
	defer o.deps.Pages.Release(rec.contextID)

	var apiKey string
	if o.deps.Settings != nil {
		if apiKey, err = o.deps.Settings.Get(ctx, o.cfg.Session.CredentialKey); err != nil {
			return "", taskerr.Wrap(taskerr.CodeTransport, err, "reading credential %q", o.cfg.Session.CredentialKey)
		}
	}

	session := o.deps.Sessions(rec.contextID)
	events, unsubscribe := session.Subscribe(livesession.EventTurnComplete, livesession.EventReconnected, livesession.EventSessionLost)
	rec.bindSession(session)
	defer func() {
		unsubscribe()
		session.Close()
	}()
	if ctx.Err() != nil {
		return "", taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "task stopped before connecting")
	}

	setup := livesession.SetupOptions{
		Model:        o.cfg.Session.Model,
		Temperature:  o.cfg.Session.Temperature,
		Instructions: systemInstructions(),
	}
	if err := session.Connect(ctx, apiKey, setup); err != nil {
		if ctx.Err() != nil {
			return "", taskerr.Wrap(taskerr.CodeCanceled, err, "connect")
		}
		if taskerr.CodeOf(err) == taskerr.CodeUnknown {
			err = taskerr.Wrap(taskerr.CodeSessionLost, err, "connect")
		}
		return "", err
	}
	o.notify(rec, schemas.NotifyReady, "Session ready.")

	limit := rate.Inf
	if o.cfg.Task.MinTurnInterval > 0 {
		limit = rate.Every(o.cfg.Task.MinTurnInterval)
	}
	turnTimeout := o.cfg.Session.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}

	t := &taskRun{
		o:           o,
		rec:         rec,
		cfg:         o.cfg.Task,
		logger:      logger,
		session:     session,
		page:        page,
		exec:        executor.New(page, o.cfg.Task, logger),
		policy:      executor.NewRetryPolicy(o.cfg.Task),
		limiter:     rate.NewLimiter(limit, 1),
		events:      events,
		turnTimeout: turnTimeout,
		forbidden:   make(map[string]bool),
	}
	return t.loop(ctx)
}

// loop alternates capture, turn, interpretation and execution until the task
// completes or a bound ends it.
func (t *taskRun) loop(ctx context.Context) (string, error) {
	next := composer(firstTurn)
	for {
		if err := ctx.Err(); err != nil {
			return "", taskerr.Wrap(taskerr.CodeCanceled, err, "task stopped")
		}

		image, err := t.capture(ctx)
		if err != nil {
			return "", err
		}
		if t.rec.iterations() > 0 {
			t.rec.setStatus(schemas.TaskStatusAwaitingAction)
		}

		text := next(t.turnContext())
		reply, err := t.exchange(ctx, livesession.Turn{Text: text, Image: image, MIMEType: "image/jpeg"})
		if errors.Is(err, errTurnTimeout) {
			t.logger.Warn("Turn timed out.", zap.Duration("timeout", t.turnTimeout))
			if err := t.noAction(); err != nil {
				return "", err
			}
			next = func(tc turnContext) string { return noActionTurn(tc, "no reply arrived in time") }
			continue
		}
		if err != nil {
			return "", err
		}

		switch r := ParseResponse(reply).(type) {
		case *MessageResponse:
			t.rec.setMessage(r.Text)
			t.o.notify(t.rec, schemas.NotifyMessage, r.Text)
			if err := t.noAction(); err != nil {
				return "", err
			}
			next = func(tc turnContext) string { return noActionTurn(tc, "the reply was plain text") }

		case *UnrecognizedResponse:
			t.logger.Warn("Malformed action in reply.", zap.String("reason", r.Reason))
			t.rec.setMessage(r.Raw)
			t.o.notify(t.rec, schemas.NotifyMessage, r.Raw)
			if err := t.noAction(); err != nil {
				return "", err
			}
			reason := r.Reason
			next = func(tc turnContext) string { return noActionTurn(tc, reason) }

		case *ActionResponse:
			t.noActionTurns = 0
			if r.Discarded > 0 {
				t.logger.Info("Collapsed a batch reply to its first action.", zap.Int("discarded", r.Discarded))
			}
			if r.Action.Kind == schemas.ActionFail {
				reason := r.Action.Value
				if reason == "" {
					reason = "no reason given"
				}
				return "", taskerr.New(taskerr.CodeGoalUnreachable, "the goal cannot be reached: %s", reason)
			}
			if r.Action.Kind == schemas.ActionComplete {
				summary := r.Action.Value
				if summary == "" {
					summary = "The goal was reported complete."
				}
				return summary, nil
			}

			step := t.step(ctx, r)
			if step.ErrorCode == string(taskerr.CodeCanceled) {
				return "", taskerr.New(taskerr.CodeCanceled, "task stopped during %s", step.Action.Signature())
			}
			if step.Outcome == schemas.OutcomeSuccess {
				t.succeeded()
				t.verify(ctx, step)
				next = func(tc turnContext) string { return progressTurn(tc, step) }
			} else {
				next = t.recover(step)
			}
		}
	}
}

func (t *taskRun) turnContext() turnContext {
	return turnContext{
		goal:      t.rec.snapshot().Goal,
		iteration: t.rec.iterations() + 1,
		limit:     t.cfg.MaxIterations,
		history:   t.rec.recent(t.cfg.HistoryWindow),
	}
}

// capture grabs the viewport. A privileged document yields no image; after
// CaptureRetries re-checks the context is declared restricted.
func (t *taskRun) capture(ctx context.Context) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= t.cfg.CaptureRetries; attempt++ {
		if attempt > 0 {
			t.page.EnsureReady(ctx)
			if err := sleepCtx(ctx, t.cfg.VerifyWait); err != nil {
				return nil, taskerr.Wrap(taskerr.CodeCanceled, err, "capture")
			}
		}
		image, err := t.page.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "capture")
			}
			lastErr = err
			continue
		}
		if len(image) > 0 {
			return image, nil
		}
		lastErr = nil
	}
	if lastErr != nil {
		return nil, taskerr.Wrap(taskerr.CodeTransport, lastErr, "screen capture failed")
	}
	return nil, taskerr.New(taskerr.CodeCapabilityRestricted,
		"this page cannot be captured; switch to a regular web page and start the task again")
}

// exchange sends one turn and waits for its completed reply. A reconnect
// while the turn is in flight resends it; every send counts toward the
// iteration cap.
func (t *taskRun) exchange(ctx context.Context, turn livesession.Turn) (string, error) {
	sendFailures := 0
	for {
		if t.rec.iterations() >= t.cfg.MaxIterations {
			return "", taskerr.New(taskerr.CodeIterationLimit, "no result after %d turns", t.cfg.MaxIterations)
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return "", taskerr.Wrap(taskerr.CodeCanceled, err, "turn pacing")
		}

		id, err := t.session.Send(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				return "", taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "send turn")
			}
			sendFailures++
			if sendFailures > maxSendFailures {
				return "", taskerr.Wrap(taskerr.CodeSessionLost, err, "could not send turn")
			}
			if errors.Is(err, livesession.ErrTurnInFlight) {
				t.session.AbandonTurn()
				continue
			}
			t.logger.Warn("Send failed, waiting for the session.", zap.Error(err))
			if err := t.awaitSession(ctx); err != nil {
				return "", err
			}
			continue
		}

		n := t.rec.nextIteration()
		t.logger.Debug("Turn sent.", zap.Int("iteration", n), zap.Uint64("turn_id", id))

		reply, resend, err := t.awaitTurn(ctx, id)
		if resend {
			t.logger.Info("Session reconnected mid-turn, resending.", zap.Uint64("turn_id", id))
			continue
		}
		return reply, err
	}
}

// awaitTurn suspends until turn id completes, the session reconnects with
// the turn lost, the session is lost, or the turn times out.
func (t *taskRun) awaitTurn(ctx context.Context, id uint64) (string, bool, error) {
	timer := time.NewTimer(t.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			t.session.AbandonTurn()
			return "", false, taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "awaiting turn")
		case ev, ok := <-t.events:
			if !ok {
				return "", false, taskerr.New(taskerr.CodeSessionLost, "session closed")
			}
			switch ev.Type {
			case livesession.EventTurnComplete:
				if ev.TurnID == id {
					return ev.Text, false, nil
				}
			case livesession.EventReconnected:
				if ev.Resend {
					return "", true, nil
				}
			case livesession.EventSessionLost:
				return "", false, sessionLost(ev.Err)
			}
		case <-timer.C:
			t.session.AbandonTurn()
			return "", false, errTurnTimeout
		}
	}
}

// awaitSession waits for a reconnect after a failed send.
func (t *taskRun) awaitSession(ctx context.Context) error {
	if t.session.State().Phase == schemas.SessionReady {
		return nil
	}
	timer := time.NewTimer(t.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return taskerr.Wrap(taskerr.CodeCanceled, ctx.Err(), "awaiting session")
		case ev, ok := <-t.events:
			if !ok {
				return taskerr.New(taskerr.CodeSessionLost, "session closed")
			}
			switch ev.Type {
			case livesession.EventReconnected:
				return nil
			case livesession.EventSessionLost:
				return sessionLost(ev.Err)
			}
		case <-timer.C:
			return taskerr.New(taskerr.CodeSessionLost, "session did not recover within %s", t.turnTimeout)
		}
	}
}

func sessionLost(cause error) error {
	if cause == nil {
		return taskerr.New(taskerr.CodeSessionLost, "connection lost")
	}
	return taskerr.Wrap(taskerr.CodeSessionLost, cause, "connection lost")
}

// noAction counts a turn without a usable action.
func (t *taskRun) noAction() error {
	t.noActionTurns++
	if t.cfg.MaxNoActionTurns > 0 && t.noActionTurns >= t.cfg.MaxNoActionTurns {
		return taskerr.New(taskerr.CodeMalformedResponse, "no recognizable action in %d consecutive turns", t.noActionTurns)
	}
	return nil
}

// step resolves and executes one action under the retry policy and records it.
func (t *taskRun) step(ctx context.Context, r *ActionResponse) schemas.TaskStep {
	action := r.Action
	sig := action.Signature()
	t.rec.setStatus(schemas.TaskStatusExecuting)
	t.o.notify(t.rec, schemas.NotifyExecuting, sig)

	step := schemas.TaskStep{Action: action, ObservedAt: time.Now().UTC()}
	if r.Discarded > 0 {
		step.Message = fmt.Sprintf("%d further actions discarded", r.Discarded)
	}

	var err error
	if t.forbidden[sig] {
		err = taskerr.New(taskerr.CodeExecutionFailure, "%s was forbidden after repeated failures", sig)
	} else {
		var cand *schemas.ElementCandidate
		var pageURL string
		step.Attempts, err = t.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			cand = nil
			if needsResolution(action) {
				snap, err := t.page.Snapshot(ctx)
				if err != nil {
					return taskerr.Wrap(taskerr.CodeExecutionFailure, err, "snapshot")
				}
				pageURL = snap.URL
				c, err := t.o.deps.Resolver.Resolve(ctx, snap, action.Target, action.Kind)
				if err != nil {
					return err
				}
				cand = &c
			}
			if attempt > 1 {
				t.logger.Debug("Retrying action.", zap.String("action", sig), zap.Int("attempt", attempt))
			}
			return t.exec.Execute(ctx, action, cand)
		})
		step.Resolution = cand
		if err == nil && cand != nil {
			t.o.deps.Resolver.Remember(ctx, pageURL, action.Target, *cand)
		}
	}

	if err != nil {
		step.Outcome = schemas.OutcomeFailure
		step.ErrorCode = string(taskerr.CodeOf(err))
		step.Message = joinMessage(step.Message, err.Error())
		t.logger.Info("Step failed.", zap.String("action", sig), zap.String("code", step.ErrorCode), zap.Error(err))
	} else {
		step.Outcome = schemas.OutcomeSuccess
		t.logger.Info("Step succeeded.", zap.String("action", sig), zap.Int("attempts", step.Attempts))
	}
	if m := t.o.deps.Metrics; m != nil {
		m.Steps.WithLabelValues(string(action.Kind), string(step.Outcome)).Inc()
	}
	return t.rec.appendStep(step)
}

// needsResolution reports whether the action names an element to act on.
func needsResolution(a schemas.ActionDescriptor) bool {
	if a.Kind.NeedsTarget() {
		return true
	}
	return a.Target != "" && (a.Kind == schemas.ActionPress || a.Kind == schemas.ActionScroll)
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// verify waits for the effects of a successful step before the next capture.
func (t *taskRun) verify(ctx context.Context, step schemas.TaskStep) {
	wait := t.cfg.SettleWait
	if step.Action.Kind == schemas.ActionNavigate {
		wait = t.cfg.NavigationWait
	}
	if step.Action.Kind != schemas.ActionWait && step.Action.TimingHintMs > 0 {
		wait += time.Duration(step.Action.TimingHintMs) * time.Millisecond
	}
	if sleepCtx(ctx, wait) != nil {
		return
	}
	t.rec.setStatus(schemas.TaskStatusVerifying)
	if !t.page.EnsureReady(ctx) {
		t.logger.Debug("Page not ready after settle wait.", zap.String("action", step.Action.Signature()))
	}
	_ = sleepCtx(ctx, t.cfg.VerifyWait)
}

// succeeded ends any escalation.
func (t *taskRun) succeeded() {
	t.failures = 0
	t.failedSigs = nil
	clear(t.forbidden)
}

// recover counts a failure and picks the next turn: one naming the failed
// action, or past the threshold one forbidding every action that failed
// since the last success.
func (t *taskRun) recover(step schemas.TaskStep) composer {
	t.rec.setStatus(schemas.TaskStatusRecovering)
	t.failures++
	sig := step.Action.Signature()
	seen := false
	for _, s := range t.failedSigs {
		if s == sig {
			seen = true
			break
		}
	}
	if !seen {
		t.failedSigs = append(t.failedSigs, sig)
	}

	if t.cfg.FailureThreshold > 0 && t.failures >= t.cfg.FailureThreshold {
		for _, s := range t.failedSigs {
			t.forbidden[s] = true
		}
		forbidden := append([]string(nil), t.failedSigs...)
		failures := t.failures
		t.logger.Warn("Escalating after repeated failures.", zap.Int("failures", failures), zap.Strings("forbidden", forbidden))
		return func(tc turnContext) string { return escalationTurn(tc, failures, forbidden) }
	}
	return func(tc turnContext) string { return recoveryTurn(tc, step) }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
