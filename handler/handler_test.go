package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
	"persona-chat/internal/quota"
	"persona-chat/internal/usecase"
)

type stubChat struct {
	sendOut   usecase.SendOutput
	msgs      []domain.Message
	openItem  usecase.OpenItemOutput
	unread    int
	status    quota.Status
	err       error
	sendIn    usecase.SendInput
	lastUser  string
	lastItem  string
	closeCall int
}

func (s *stubChat) Send(_ context.Context, in usecase.SendInput) (usecase.SendOutput, error) {
	s.sendIn = in
	return s.sendOut, s.err
}

func (s *stubChat) OpenConversation(_ context.Context, userID, _, itemID string) ([]domain.Message, error) {
	s.lastUser, s.lastItem = userID, itemID
	return s.msgs, s.err
}

func (s *stubChat) CloseConversation(_ context.Context, userID, _ string) error {
	s.lastUser = userID
	s.closeCall++
	return s.err
}

func (s *stubChat) UnreadCount(_ context.Context, userID, _ string) (int, error) {
	s.lastUser = userID
	return s.unread, s.err
}

func (s *stubChat) OpenLinkedItem(_ context.Context, _, _, itemID string) (usecase.OpenItemOutput, error) {
	s.lastItem = itemID
	return s.openItem, s.err
}

func (s *stubChat) QuotaStatus(_ context.Context, userID string) (quota.Status, error) {
	s.lastUser = userID
	return s.status, s.err
}

func (s *stubChat) GrantReward(_ context.Context, userID string) (quota.Status, error) {
	s.lastUser = userID
	return s.status, s.err
}

type stubOutreach struct {
	res usecase.OutreachResult
	err error
}

func (s *stubOutreach) MaybeReachOut(_ context.Context, _, _ string) (usecase.OutreachResult, error) {
	return s.res, s.err
}

func makeEvent(method, resource, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:     method,
		Resource:       resource,
		Headers:        map[string]string{"Content-Type": "application/json", "X-User-Id": "u1"},
		PathParameters: map[string]string{"personaId": "p1", "itemId": "i1"},
		Body:           body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, chat *stubChat, outreach *stubOutreach) *Handler {
	t.Helper()
	if outreach == nil {
		outreach = &stubOutreach{}
	}
	h, err := NewHandler(chat, outreach, nil, WithUserHeader(true))
	require.NoError(t, err)
	return h
}

var ts = time.Unix(1714550400, 250000000)

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, &stubOutreach{}, nil)
	require.Error(t, err)
	_, err = NewHandler(&stubChat{}, nil, nil)
	require.Error(t, err)
}

func TestHandle_Send(t *testing.T) {
	uc := &stubChat{sendOut: usecase.SendOutput{
		UserMessage: domain.Message{ID: "m1", Content: "hi", Author: domain.AuthorUser, Timestamp: ts},
		Reply:       domain.Message{ID: "m2", Content: "hello", Author: domain.AuthorAssistant, Timestamp: ts.Add(time.Second)},
		Remaining:   9,
	}}
	h := newTestHandler(t, uc, nil)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi","linkedItemId":"i1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.SendInput{UserID: "u1", PersonaID: "p1", Text: "hi", LinkedItemID: "i1"}, uc.sendIn)

	out := parseBody[sendResponse](t, resp.Body)
	require.Equal(t, "m1", out.UserMessage.ID)
	require.True(t, out.UserMessage.IsUser)
	require.InDelta(t, 1714550400.25, out.UserMessage.Timestamp, 1e-6)
	require.Equal(t, "hello", out.Reply.Content)
	require.False(t, out.Reply.IsUser)
	require.Equal(t, 9, *out.Remaining)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_SendSubscribedOmitsRemaining(t *testing.T) {
	uc := &stubChat{sendOut: usecase.SendOutput{
		UserMessage: domain.Message{ID: "m1", Content: "hi"},
		Reply:       domain.Message{ID: "m2", Content: "hello", Author: domain.AuthorAssistant},
		Remaining:   quota.Unlimited,
	}}
	resp, err := newTestHandler(t, uc, nil).Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`))
	require.NoError(t, err)
	require.Nil(t, parseBody[sendResponse](t, resp.Body).Remaining)
}

func TestHandle_SendWithoutUserIsEmpty(t *testing.T) {
	uc := &stubChat{}
	event := makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`)
	delete(event.Headers, "X-User-Id")

	resp, err := newTestHandler(t, uc, nil).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "", uc.sendIn.UserID)
	require.JSONEq(t, `{}`, resp.Body)
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubChat{}
	event := makeEvent(http.MethodPost, routeMessages, base64.StdEncoding.EncodeToString([]byte(`{"text":"encoded"}`)))
	event.IsBase64Encoded = true

	_, err := newTestHandler(t, uc, nil).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "encoded", uc.sendIn.Text)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, nil)
	for _, body := range []string{`not-json`, `{"text":"hi","extra":1}`} {
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		out := parseBody[errorResponse](t, resp.Body)
		require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	}
}

func TestHandle_OpenConversation(t *testing.T) {
	uc := &stubChat{msgs: []domain.Message{{ID: "a", Content: "x"}, {ID: "b", Content: "y", Author: domain.AuthorAssistant}}}
	event := makeEvent(http.MethodGet, routeMessages, "")
	event.QueryStringParameters = map[string]string{"linkedItemId": "i9"}

	resp, err := newTestHandler(t, uc, nil).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "i9", uc.lastItem)
	out := parseBody[conversationResponse](t, resp.Body)
	require.Len(t, out.Messages, 2)
	require.Equal(t, "b", out.Messages[1].ID)
}

func TestHandle_CloseAndUnread(t *testing.T) {
	uc := &stubChat{unread: 4}
	h := newTestHandler(t, uc, nil)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeRead, ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Body)
	require.Equal(t, 1, uc.closeCall)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, routeUnread, ""))
	require.NoError(t, err)
	require.Equal(t, 4, parseBody[unreadResponse](t, resp.Body).Unread)
}

func TestHandle_OpenLinkedItem(t *testing.T) {
	opening := domain.Message{ID: "o1", Content: "you got it!", Author: domain.AuthorAssistant, LinkedItemID: "i1"}
	uc := &stubChat{openItem: usecase.OpenItemOutput{Messages: []domain.Message{opening}, Opening: &opening}}

	resp, err := newTestHandler(t, uc, nil).Handle(context.Background(), makeEvent(http.MethodPost, routeOpenItem, ""))
	require.NoError(t, err)
	require.Equal(t, "i1", uc.lastItem)
	out := parseBody[openItemResponse](t, resp.Body)
	require.True(t, out.Created)
	require.Equal(t, "i1", out.Messages[0].LinkedItemID)
}

func TestHandle_Quota(t *testing.T) {
	uc := &stubChat{status: quota.Status{Count: 10, Limit: 10, Remaining: 0, LimitReached: true, CanWatchReward: true}}
	h := newTestHandler(t, uc, nil)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, routeQuota, ""))
	require.NoError(t, err)
	out := parseBody[quotaResponse](t, resp.Body)
	require.True(t, out.LimitReached)
	require.True(t, out.CanWatchReward)
	require.NotNil(t, out.Remaining)
	require.Zero(t, *out.Remaining)

	uc.status = quota.Status{Subscribed: true, Limit: 10, Remaining: quota.Unlimited}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, routeReward, ""))
	require.NoError(t, err)
	out = parseBody[quotaResponse](t, resp.Body)
	require.True(t, out.Subscribed)
	require.Nil(t, out.Remaining)
}

func TestHandle_Outreach(t *testing.T) {
	out := &stubOutreach{res: usecase.OutreachResult{
		Sent:    true,
		Intent:  usecase.IntentGreeting,
		Message: domain.Message{ID: "x", Content: "hey!", Author: domain.AuthorAssistant},
	}}
	h := newTestHandler(t, &stubChat{}, out)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeOutreach, ""))
	require.NoError(t, err)
	body := parseBody[outreachResponse](t, resp.Body)
	require.True(t, body.Sent)
	require.Equal(t, "greeting", body.Intent)
	require.Equal(t, "hey!", body.Message.Content)

	out.res = usecase.OutreachResult{Blocked: usecase.GateDraw}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, routeOutreach, ""))
	require.NoError(t, err)
	body = parseBody[outreachResponse](t, resp.Body)
	require.False(t, body.Sent)
	require.Equal(t, "draw", body.Blocked)
	require.Nil(t, body.Message)
}

func TestHandle_UnknownRoute(t *testing.T) {
	resp, err := newTestHandler(t, &stubChat{}, nil).Handle(context.Background(), makeEvent(http.MethodDelete, routeQuota, ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, errorNotFound, parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_text"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "quota exceeded", err: &usecase.Error{Code: usecase.ErrorQuotaExceeded, Reason: usecase.ReasonRewardAvailable}, status: http.StatusTooManyRequests, code: string(usecase.ErrorQuotaExceeded)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "openai_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "generation", err: &usecase.Error{Code: usecase.ErrorGenerationFailed, Reason: "generation_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorGenerationFailed)},
		{name: "store write", err: &usecase.Error{Code: usecase.ErrorStoreWriteFailed, Reason: "cascade_partial_failure"}, status: http.StatusBadGateway, code: string(usecase.ErrorStoreWriteFailed)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "quota_cache_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubChat{err: tc.err}, nil)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_QuotaExceededCarriesReason(t *testing.T) {
	uc := &stubChat{err: &usecase.Error{Code: usecase.ErrorQuotaExceeded, Reason: usecase.ReasonRewardUsed}}
	resp, err := newTestHandler(t, uc, nil).Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, usecase.ReasonRewardUsed, parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, nil)

	event := makeEvent(http.MethodGet, routeQuota, "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_UserFromAuthorizer(t *testing.T) {
	uc := &stubChat{}
	event := makeEvent(http.MethodGet, routeQuota, "")
	delete(event.Headers, "X-User-Id")
	event.RequestContext.Authorizer = map[string]interface{}{"principalId": "from-authorizer"}

	_, err := newTestHandler(t, uc, nil).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "from-authorizer", uc.lastUser)

	event = makeEvent(http.MethodGet, routeQuota, "")
	event.Headers = map[string]string{"x-user-id": " lower "}
	_, err = newTestHandler(t, uc, nil).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "lower", uc.lastUser)
}

func TestHandle_GenerationFailureKeepsStoredUserMessage(t *testing.T) {
	uc := &stubChat{
		sendOut: usecase.SendOutput{UserMessage: domain.Message{ID: "m1", Content: "hi", Author: domain.AuthorUser, Timestamp: ts}},
		err:     &usecase.Error{Code: usecase.ErrorGenerationFailed, Reason: "generation_error"},
	}
	resp, err := newTestHandler(t, uc, nil).Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorGenerationFailed), out.Error)
	require.NotNil(t, out.UserMessage)
	require.Equal(t, "m1", out.UserMessage.ID)
	require.True(t, out.UserMessage.IsUser)

	// Rejected before anything was stored.
	uc = &stubChat{err: &usecase.Error{Code: usecase.ErrorQuotaExceeded, Reason: usecase.ReasonRewardUsed}}
	resp, err = newTestHandler(t, uc, nil).Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`))
	require.NoError(t, err)
	require.NotContains(t, resp.Body, "userMessage")
}

func TestHandle_UserHeaderIgnoredUnlessTrusted(t *testing.T) {
	uc := &stubChat{}
	h, err := NewHandler(uc, &stubOutreach{}, nil)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, "", uc.sendIn.UserID)

	event := makeEvent(http.MethodPost, routeMessages, `{"text":"hi"}`)
	event.RequestContext.Authorizer = map[string]interface{}{"principalId": "from-authorizer"}
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "from-authorizer", uc.sendIn.UserID)
}

func TestHandle_LogsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	sends := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "persona_chat_sends_total"}, []string{"outcome"})
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total"})
	reg.MustRegister(sends, other)
	sends.WithLabelValues("ok").Add(3)
	other.Inc()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h, err := NewHandler(&stubChat{}, &stubOutreach{}, logger, WithMetrics(reg), WithUserHeader(true))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodGet, routeQuota, ""))
	require.NoError(t, err)

	var line struct {
		Msg      string             `json:"msg"`
		Counters map[string]float64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "request handled", line.Msg)
	require.Equal(t, map[string]float64{"persona_chat_sends_total{outcome=ok}": 3}, line.Counters)
}
