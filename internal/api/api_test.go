package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain/conversation"
	"chatrelay/internal/provider"
	"chatrelay/internal/provider/providertest"
)

const (
	testResponder  = "responder-model"
	testSummarizer = "summarizer-model"
)

func newTestServer(t *testing.T, variant string, stub *providertest.Stub, mutate func(*ServerConfig)) http.Handler {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Variant = variant
	if mutate != nil {
		mutate(cfg)
	}

	deps := Deps{Client: stub}
	if variant == VariantThread {
		sum := conversation.NewSummarizer(stub, conversation.SummarizerConfig{Model: testSummarizer})
		handler := conversation.NewTurnHandler(stub, sum, conversation.TurnHandlerConfig{ResponderModel: testResponder})
		deps.Coordinator = conversation.NewCoordinator(handler, conversation.NewMemoryStore())
	}
	return NewServer(cfg, deps).Handler()
}

func postJSON(t *testing.T, h http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeCompletion(t *testing.T, rr *httptest.ResponseRecorder) chatCompletion {
	t.Helper()
	var body chatCompletion
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestChatValidation(t *testing.T) {
	h := newTestServer(t, VariantBasic, providertest.New(nil), nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantText string
	}{
		{"empty list", `{"messages":[]}`, http.StatusBadRequest, "messages: must be a non-empty list"},
		{"missing list", `{}`, http.StatusBadRequest, "messages"},
		{"non-string content", `{"messages":[{"content":5}]}`, http.StatusBadRequest, "messages[0].content: must be a string"},
		{"unknown role", `{"messages":[{"role":"robot","content":"hi"}]}`, http.StatusBadRequest, "messages[0].role"},
		{"missing role", `{"messages":[{"content":"hi"}]}`, http.StatusBadRequest, "messages[0].role: is required"},
		{"non-object element", `{"messages":["hi"]}`, http.StatusBadRequest, "messages[0]: must be an object"},
		{"invalid json", `{"messages":`, http.StatusBadRequest, "invalid JSON"},
		{"valid", `{"messages":[{"role":"user","content":"hi"}]}`, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(t, h, "/api/chat", tt.body, nil)
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantText != "" {
				assert.Contains(t, rr.Body.String(), tt.wantText)
			}
		})
	}
}

func TestBasicChatPrependsPersona(t *testing.T) {
	stub := providertest.New(func(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return providertest.Reply(req.Model, "Hello."), nil
	})
	h := newTestServer(t, VariantBasic, stub, func(c *ServerConfig) { c.Model = "gpt-4" })

	rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"},{"role":"user","content":"again"}]}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeCompletion(t, rr)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "chat.completion", body.Object)
	assert.Equal(t, provider.RoleAssistant, body.Choices[0].Message.Role)
	assert.Equal(t, "Hello.", body.Choices[0].Message.Content)
	assert.Equal(t, "gpt-4", body.Model)
	require.NotNil(t, body.Usage)
	assert.Equal(t, 2, body.Usage.TotalTokens)

	calls := stub.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 4)
	assert.Equal(t, provider.System(conversation.BriefPersona), calls[0].Messages[0])
	assert.Equal(t, provider.User("again"), calls[0].Messages[3])
}

func TestChatFailureIsOpaque(t *testing.T) {
	stub := providertest.New(func(context.Context, *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, &provider.UpstreamError{Provider: "stub", Kind: provider.UpstreamAuth, StatusCode: 401, Body: "invalid key sk-secret"}
	})

	for _, variant := range []string{VariantBasic, VariantStream, VariantThread} {
		t.Run(variant, func(t *testing.T) {
			h := newTestServer(t, variant, stub, nil)
			rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
			require.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Contains(t, rr.Body.String(), msgInternalError)
			assert.NotContains(t, rr.Body.String(), "sk-secret")
		})
	}
}

func TestStreamChatNonStreamingIncludesConversationUUID(t *testing.T) {
	h := newTestServer(t, VariantStream, providertest.New(nil), nil)

	rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"ping"}],"stream":false}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeCompletion(t, rr)
	assert.NotEmpty(t, body.ConversationUUID)
	assert.Equal(t, "ping", body.Choices[0].Message.Content)
}

func readSSE(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	return events
}

func TestStreamChatSSE(t *testing.T) {
	stub := &providertest.Stub{Chunks: []string{"Hel", "lo"}}
	h := newTestServer(t, VariantStream, stub, nil)

	rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rr.Header().Get("X-Conversation-UUID"))

	events := readSSE(t, rr.Body.String())
	require.Len(t, events, 5, rr.Body.String())
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var first chatChunk
	require.NoError(t, json.Unmarshal([]byte(events[0]), &first))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, provider.RoleAssistant, first.Choices[0].Delta.Role)
	assert.Equal(t, "starting response", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)
	assert.True(t, strings.HasPrefix(first.ID, "chatcmpl-"))
	assert.Regexp(t, `^fp_[0-9a-f]{10}$`, first.SystemFingerprint)

	var text strings.Builder
	for _, e := range events[1:3] {
		var c chatChunk
		require.NoError(t, json.Unmarshal([]byte(e), &c))
		text.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Hello", text.String())

	var last chatChunk
	require.NoError(t, json.Unmarshal([]byte(events[3]), &last))
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)

	require.Len(t, stub.Calls(), 1)
	assert.Equal(t, provider.System(conversation.BriefPersona), stub.Calls()[0].Messages[0])
}

func TestStreamChatSSEUpstreamFailure(t *testing.T) {
	stub := &providertest.Stub{Chunks: []string{"Hel"}, StreamErr: errors.New("connection reset")}
	h := newTestServer(t, VariantStream, stub, nil)

	rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	events := readSSE(t, rr.Body.String())
	require.Len(t, events, 4, rr.Body.String())
	assert.Equal(t, "[DONE]", events[3])

	var errChunk chatChunk
	require.NoError(t, json.Unmarshal([]byte(events[2]), &errChunk))
	assert.Equal(t, msgStreamingError, errChunk.Choices[0].Delta.Content)
	require.NotNil(t, errChunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *errChunk.Choices[0].FinishReason)
	assert.NotContains(t, rr.Body.String(), "connection reset")
}

func TestStreamChatWebSocket(t *testing.T) {
	stub := &providertest.Stub{Chunks: []string{"Hi", " there"}}
	srv := httptest.NewServer(newTestServer(t, VariantStream, stub, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 非法请求只返回 error 帧，连接保持
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"messages":[]}`)))
	var frame map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "error", frame["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	}))

	var deltas []string
	for {
		var raw map[string]json.RawMessage
		require.NoError(t, wsjson.Read(ctx, conn, &raw))
		if typ, ok := raw["type"]; ok {
			assert.Equal(t, `"done"`, string(typ))
			break
		}
		var c chatChunk
		b, _ := json.Marshal(raw)
		require.NoError(t, json.Unmarshal(b, &c))
		deltas = append(deltas, c.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"starting response", "Hi", " there", ""}, deltas)
}

// endlessStream 持续输出 chunk 直到 ctx 取消
type endlessStream struct {
	canceled chan struct{}
}

func (e *endlessStream) Name() string { return "endless" }

func (e *endlessStream) Complete(context.Context, *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return nil, errors.New("not supported")
}

func (e *endlessStream) StreamComplete(ctx context.Context, _ *provider.CompletionRequest) (<-chan provider.CompletionChunk, <-chan error) {
	chunkCh := make(chan provider.CompletionChunk)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(chunkCh)
		for {
			select {
			case chunkCh <- provider.CompletionChunk{Delta: "x"}:
			case <-ctx.Done():
				close(e.canceled)
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return chunkCh, errCh
}

func TestStreamCancelsUpstreamWhenClientWriteFails(t *testing.T) {
	upstream := &endlessStream{canceled: make(chan struct{})}
	h := NewStreamChatHandler(upstream, "gpt-test", 0, nil)

	writeErr := errors.New("client gone")
	sent := 0
	done := make(chan error, 1)
	go func() {
		done <- h.stream(context.Background(), []provider.Message{provider.User("hi")}, func(*chatChunk) error {
			sent++
			if sent > 2 {
				return writeErr
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, writeErr)
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept draining upstream after the client write failed")
	}
	select {
	case <-upstream.canceled:
	default:
		t.Fatal("upstream context was not canceled")
	}
	assert.Equal(t, 3, sent)
}

func scriptedStub(answers map[string]string) *providertest.Stub {
	return providertest.New(func(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		last := req.Messages[len(req.Messages)-1].Content
		if req.Model == testSummarizer {
			prev, _, _ := strings.Cut(strings.SplitN(req.Messages[0].Content, "<previous_summary>", 2)[1], "</previous_summary>")
			_, turn, _ := strings.Cut(req.Messages[0].Content, "User: ")
			user, _, _ := strings.Cut(turn, "\n")
			if prev == conversation.NoPreviousSummary {
				return providertest.Reply(req.Model, "User said: "+user), nil
			}
			return providertest.Reply(req.Model, prev+" | User said: "+user), nil
		}
		if a, ok := answers[last]; ok {
			return providertest.Reply(req.Model, a), nil
		}
		return providertest.Reply(req.Model, "ok"), nil
	})
}

func TestThreadChatKeepsSummaryPerConversation(t *testing.T) {
	stub := scriptedStub(nil)
	h := newTestServer(t, VariantThread, stub, nil)

	rr := postJSON(t, h, "/api/chat", `{"conversation_id":"c1","messages":[{"role":"user","content":"Hi! I'm Adam"}]}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeCompletion(t, rr)
	assert.Equal(t, "c1", body.ConversationID)
	require.NotNil(t, body.SummaryUpdated)
	assert.True(t, *body.SummaryUpdated)
	assert.Equal(t, testResponder, body.Model)

	rr = postJSON(t, h, "/api/chat", `{"messages":[{"role":"assistant","content":"earlier"},{"role":"user","content":"How are you?"}]}`,
		map[string]string{"X-Conversation-ID": "c1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// 第二轮 system prompt 携带 c1 的摘要，且只发送最后一条 user 消息
	responder := stub.CallsFor(testResponder)
	require.Len(t, responder, 2)
	require.Len(t, responder[1].Messages, 2)
	assert.Contains(t, responder[1].Messages[0].Content, "User said: Hi! I'm Adam")
	assert.Equal(t, provider.User("How are you?"), responder[1].Messages[1])

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1/summary", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data conversation.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 2, envelope.Data.TurnsCovered)
	assert.Equal(t, "User said: Hi! I'm Adam | User said: How are you?", envelope.Data.Content)

	req = httptest.NewRequest(http.MethodDelete, "/api/conversations/c1/summary", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations/c1/summary", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadChatRequiresUserTurnLast(t *testing.T) {
	h := newTestServer(t, VariantThread, scriptedStub(nil), nil)

	rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"}]}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "messages[1].role")
}

func TestThreadDemo(t *testing.T) {
	stub := scriptedStub(map[string]string{
		"Hi! I'm Adam":         "Nice to meet you, Adam.",
		"How are you?":         "I'm fine.",
		"Do you know my name?": "Yes, you're Adam.",
	})
	h := newTestServer(t, VariantThread, stub, nil)

	rr := postJSON(t, h, "/api/demo", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeCompletion(t, rr)
	assert.Equal(t, "chat.completion", body.Object)
	assert.NotEmpty(t, body.ConversationID)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, provider.RoleAssistant, body.Choices[0].Message.Role)
	assert.Equal(t, "Yes, you're Adam.", body.Choices[0].Message.Content)
	require.NotNil(t, body.Summary)
	assert.Contains(t, *body.Summary, "Adam")
	require.NotNil(t, body.SummaryUpdated)
	assert.True(t, *body.SummaryUpdated)
	assert.NotContains(t, rr.Body.String(), `"data"`)
}

func TestAuthProtectsChatRoutesOnly(t *testing.T) {
	h := newTestServer(t, VariantBasic, providertest.New(nil), func(c *ServerConfig) {
		c.JWTSecret = "test-secret"
		c.JWTIssuer = "chatrelay"
	})

	rr := postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "iss": "other", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	rr = postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer " + wrongIssuer})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "iss": "chatrelay", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	rr = postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMetricsCountRequests(t *testing.T) {
	h := newTestServer(t, VariantBasic, providertest.New(nil), nil)
	postJSON(t, h, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	postJSON(t, h, "/api/chat", `{"messages":[]}`, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()
	assert.Contains(t, out, `chatrelay_http_requests_total{code="200",route="/api/chat"} 1`)
	assert.Contains(t, out, `chatrelay_http_requests_total{code="400",route="/api/chat"} 1`)
	assert.Contains(t, out, `chatrelay_turns_total{result="ok",variant="basic"} 1`)
}

func TestNewServerRejectsBadWiring(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Variant = VariantThread
	_, err := NewServer(cfg, Deps{Client: providertest.New(nil)}).buildRouter()
	assert.Error(t, err)

	cfg.Variant = "graph"
	_, err = NewServer(cfg, Deps{Client: providertest.New(nil)}).buildRouter()
	assert.Error(t, err)
}
