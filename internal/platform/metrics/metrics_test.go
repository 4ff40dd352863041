package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain/conversation"
	"chatrelay/internal/provider"
)

func TestHooksRecordStatesAndCompletions(t *testing.T) {
	m := New()
	var logged []conversation.TurnState
	hooks := m.Hooks(&conversation.Hooks{
		OnState: func(_ context.Context, s conversation.TurnState) { logged = append(logged, s) },
	})

	hooks.OnState(context.Background(), conversation.StateAwaitingResponse)
	hooks.OnCompletion(conversation.StageRespond, "gpt-4o", 120*time.Millisecond, nil)
	hooks.OnCompletion(conversation.StageSummarize, "gpt-4o-mini", time.Second,
		&provider.UpstreamError{Kind: provider.UpstreamRateLimit})

	assert.Equal(t, []conversation.TurnState{conversation.StateAwaitingResponse}, logged)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnStates.WithLabelValues("awaiting_response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("respond", "gpt-4o", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("summarize", "gpt-4o-mini", "rate_limit")))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "timeout", Outcome(&conversation.CompletionFailure{
		Stage: conversation.StageRespond,
		Cause: &provider.UpstreamError{Kind: provider.UpstreamTimeout},
	}))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTurn("thread", "ok")
	m.ObserveHTTP("/api/chat", "200")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.True(t, strings.Contains(out, `chatrelay_turns_total{result="ok",variant="thread"} 1`), out)
	assert.Contains(t, out, `chatrelay_http_requests_total{code="200",route="/api/chat"} 1`)
}
