package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/livesession"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
)

func TestOrchestrator_SearchForCoffee(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies(
		`{"action": "click", "target": "q", "reasoning": "focus the search field"}`,
		"Typing the query.\n```json\n{action: \"type\", target: \"q\", value: \"coffee\",}\n```",
		`{"action": "press", "value": "Enter"}`,
		`{"action": "complete", "value": "Results for coffee are shown."}`,
	))
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	require.Equal(t, schemas.TaskStatusComplete, task.Status, task.FailureReason)
	assert.Equal(t, "Results for coffee are shown.", task.Summary)

	want := []schemas.ActionDescriptor{
		{Kind: schemas.ActionClick, Target: "q"},
		{Kind: schemas.ActionType, Target: "q", Value: "coffee"},
		{Kind: schemas.ActionPress, Value: "Enter"},
	}
	var got []schemas.ActionDescriptor
	for _, s := range task.History {
		assert.Equal(t, schemas.OutcomeSuccess, s.Outcome, s.Message)
		got = append(got, s.Action)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(schemas.ActionDescriptor{}, "Reasoning")); diff != "" {
		t.Errorf("descriptor sequence mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "coffee", h.page.fieldValue(), "typed content equals the requested text")
	require.NotNil(t, task.History[1].Resolution)
	assert.Equal(t, "1", task.History[1].Resolution.Handle)
	assert.Equal(t, schemas.StrategyAttribute, task.History[1].Resolution.Strategy)

	turns := h.session.turns()
	require.Len(t, turns, 4)
	for _, turn := range turns {
		assert.NotEmpty(t, turn.Image, "every turn carries a fresh capture")
	}
	assert.Contains(t, turns[0].Text, "GOAL: search for coffee")
	assert.Contains(t, turns[3].Text, `press("Enter") succeeded`)

	status := h.orch.GetStatus("tab-1")
	assert.Equal(t, schemas.TaskStatusComplete, status.Phase)
	assert.Equal(t, 4, status.Iteration)

	assert.Equal(t, []schemas.NotificationType{
		schemas.NotifyConnecting, schemas.NotifyReady,
		schemas.NotifyExecuting, schemas.NotifyExecuting, schemas.NotifyExecuting,
		schemas.NotifyComplete,
	}, h.notifier.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TasksFinished.WithLabelValues("COMPLETE")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Steps.WithLabelValues("click", "success"))+
		testutil.ToFloat64(h.metrics.Steps.WithLabelValues("type", "success"))+
		testutil.ToFloat64(h.metrics.Steps.WithLabelValues("press", "success")))

	archived, err := h.archive.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskStatusComplete, archived.Status)
	assert.Len(t, archived.History, 3)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.TasksActive))
}

func TestOrchestrator_IterationCap(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := testConfig()
	cfg.Task.MaxIterations = 5
	cfg.Task.FailureThreshold = 100
	h := newHarness(t, cfg, always(`{"action": "click", "target": "Checkout"}`))
	defer h.orch.Shutdown()

	h.start(t, "buy the item")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "5 turns")
	assert.Len(t, h.session.turns(), 5, "outbound turns never exceed the cap")
	assert.Len(t, task.History, 5, "partial history is preserved")
	assert.Equal(t, 5, h.orch.GetStatus("tab-1").Iteration)
	assert.Contains(t, h.notifier.types(), schemas.NotifyError)
}

func TestOrchestrator_EscalationForbidsFailedDescriptor(t *testing.T) {
	defer goleak.VerifyNone(t)
	const missing = `{"action": "click", "target": "Checkout"}`
	h := newHarness(t, testConfig(), replies(
		missing, missing, missing, missing,
		`{"action": "fail", "value": "There is no checkout on this page."}`,
	))
	defer h.orch.Shutdown()

	h.start(t, "check out")
	task := h.wait(t)
	require.Equal(t, schemas.TaskStatusFailed, task.Status, "giving up is never a success")
	assert.Contains(t, task.FailureReason, string(taskerr.CodeGoalUnreachable))
	assert.Contains(t, task.FailureReason, "There is no checkout on this page.")
	assert.Empty(t, task.Summary)

	for i := 0; i < 3; i++ {
		assert.Equal(t, string(taskerr.CodeResolutionFailure), task.History[i].ErrorCode)
		assert.Equal(t, 1, task.History[i].Attempts, "resolution failures are not retried")
	}

	turns := h.session.turns()
	require.Len(t, turns, 5)
	assert.True(t, containsAll(turns[1].Text, `click("Checkout") FAILED`))
	assert.NotContains(t, turns[2].Text, "Do NOT repeat")
	assert.True(t, containsAll(turns[3].Text, "Do NOT repeat", `- click("Checkout")`),
		"after three failures the next turn forbids the descriptor:\n%s", turns[3].Text)

	forbidden := task.History[3]
	assert.Equal(t, schemas.OutcomeFailure, forbidden.Outcome)
	assert.Equal(t, 0, forbidden.Attempts, "a forbidden descriptor is never executed")
	assert.Contains(t, forbidden.Message, "forbidden")
	assert.Contains(t, turns[4].Text, "Do NOT repeat", "escalation persists until a success")
	assert.Contains(t, turns[3].Text, "reply with fail")
	assert.NotContains(t, turns[3].Text, "reply with complete if")
}

func TestOrchestrator_GiveUpFailsWithReason(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies(`{"action": "give_up", "reasoning": "the site requires a login"}`))
	defer h.orch.Shutdown()

	h.start(t, "buy a ticket")
	task := h.wait(t)
	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "the site requires a login")
	assert.Empty(t, task.History)
	assert.Contains(t, h.notifier.types(), schemas.NotifyError)
	assert.NotContains(t, h.notifier.types(), schemas.NotifyComplete)
}

func TestOrchestrator_StopTaskIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies())
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	require.Eventually(t, func() bool { return len(h.session.turns()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.orch.StopTask("tab-1")
	first := h.orch.GetStatus("tab-1")
	h.orch.StopTask("tab-1")
	second := h.orch.GetStatus("tab-1")

	assert.Equal(t, schemas.TaskStatusStopped, first.Phase)
	assert.Equal(t, first.Phase, second.Phase)
	assert.Equal(t, first.Iteration, second.Iteration)

	task := h.wait(t)
	assert.Equal(t, schemas.TaskStatusStopped, task.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TasksFinished.WithLabelValues("STOPPED")))
	assert.Equal(t, 1, h.pages.released)
}

func TestOrchestrator_OneActiveTaskPerContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies())
	defer h.orch.Shutdown()

	h.start(t, "first goal")
	res := h.orch.StartTask(context.Background(), "tab-1", "second goal")
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "already active")

	other := h.orch.StartTask(context.Background(), "", "goal")
	assert.False(t, other.Accepted)
	empty := h.orch.StartTask(context.Background(), "tab-2", "   ")
	assert.False(t, empty.Accepted)

	h.orch.StopTask("tab-1")
	again := h.orch.StartTask(context.Background(), "tab-1", "second goal")
	assert.True(t, again.Accepted, again.Reason)
	h.orch.StopTask("tab-1")
	h.wait(t)
}

func TestOrchestrator_UnknownContextIsIdle(t *testing.T) {
	h := newHarness(t, testConfig(), replies())
	status := h.orch.GetStatus("nowhere")
	assert.Equal(t, schemas.TaskStatusIdle, status.Phase)
	assert.Zero(t, status.Iteration)
	h.orch.StopTask("nowhere")
	_, ok := h.orch.Task("nowhere")
	assert.False(t, ok)
}

func TestOrchestrator_NoActionTurnsFail(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := testConfig()
	cfg.Task.MaxNoActionTurns = 3
	h := newHarness(t, cfg, always("I am not sure what to do here."))
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "no recognizable action")
	assert.Len(t, h.session.turns(), 3)
	assert.Empty(t, task.History)
	assert.Contains(t, h.session.turns()[1].Text, "did not contain a usable action")
}

func TestOrchestrator_MalformedReplyIsRecovered(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies(
		`{"action": "hover", "target": "menu"}`,
		`{"action": "complete", "value": "done"}`,
	))
	defer h.orch.Shutdown()

	h.start(t, "open the menu")
	task := h.wait(t)
	assert.Equal(t, schemas.TaskStatusComplete, task.Status)
	assert.Contains(t, h.session.turns()[1].Text, `unknown action "hover"`)
}

func TestOrchestrator_MalformedReplySurfacesAsMessage(t *testing.T) {
	defer goleak.VerifyNone(t)
	const raw = `{"action": "hover", "target": "menu"}`
	cfg := testConfig()
	cfg.Session.TurnTimeout = time.Minute
	h := newHarness(t, cfg, replies(raw))
	defer h.orch.Shutdown()

	h.start(t, "open the menu")
	require.Eventually(t, func() bool {
		return h.orch.GetStatus("tab-1").LastMessage == raw
	}, 5*time.Second, 10*time.Millisecond)

	h.notifier.mu.Lock()
	var messages []string
	for _, n := range h.notifier.events {
		if n.Type == schemas.NotifyMessage {
			messages = append(messages, n.Message)
		}
	}
	h.notifier.mu.Unlock()
	assert.Contains(t, messages, raw)

	h.orch.StopTask("tab-1")
	<-h.orch.Done("tab-1")
}

func TestOrchestrator_TurnTimeoutCountsAsNoAction(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := testConfig()
	cfg.Session.TurnTimeout = 20 * time.Millisecond
	cfg.Task.MaxNoActionTurns = 2
	h := newHarness(t, cfg, replies())
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Len(t, h.session.turns(), 2)
	h.session.mu.Lock()
	assert.Equal(t, 2, h.session.abandoned)
	h.session.mu.Unlock()
}

func TestOrchestrator_ReconnectResendsTurn(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), func(n int, _ livesession.Turn) []livesession.Event {
		if n == 1 {
			return []livesession.Event{{Type: livesession.EventReconnected, Attempt: 1, Resend: true}}
		}
		return reply(`{"action": "complete", "value": "ok"}`)
	})
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusComplete, task.Status)
	turns := h.session.turns()
	require.Len(t, turns, 2)
	assert.Equal(t, turns[0].Text, turns[1].Text, "the in-flight turn is resent unchanged")
	assert.Equal(t, 2, h.orch.GetStatus("tab-1").Iteration, "a resend counts toward the cap")
}

func TestOrchestrator_SessionLostIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), func(int, livesession.Turn) []livesession.Event {
		return []livesession.Event{{Type: livesession.EventSessionLost, Err: taskerr.New(taskerr.CodeTransport, "dial refused")}}
	})
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "connection lost")
}

func TestOrchestrator_PrivilegedPageIsRestricted(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies())
	h.page.restricted = true
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "cannot be captured")
	assert.Empty(t, h.session.turns(), "nothing is sent without a capture")
}

func TestOrchestrator_ConnectFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, testConfig(), replies())
	h.session.connectErr = taskerr.New(taskerr.CodeSessionLost, "reconnection exhausted")
	defer h.orch.Shutdown()

	h.start(t, "search for coffee")
	task := h.wait(t)

	assert.Equal(t, schemas.TaskStatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "reconnection exhausted")
}
