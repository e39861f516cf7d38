package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"persona-chat/internal/domain"
	"persona-chat/internal/quota"
	"persona-chat/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerUserID        = "X-User-Id"
	errorNotFound       = "NOT_FOUND"
	metricsPrefix       = "persona_chat_"
)

// Routes as configured on the API Gateway resource tree.
const (
	routeMessages = "/chat/{personaId}/messages"
	routeRead     = "/chat/{personaId}/read"
	routeUnread   = "/chat/{personaId}/unread"
	routeOpenItem = "/chat/{personaId}/items/{itemId}/open"
	routeQuota    = "/quota"
	routeReward   = "/quota/reward"
	routeOutreach = "/outreach/{personaId}"
)

type ChatUseCase interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	OpenConversation(ctx context.Context, userID, personaID, linkedItemID string) ([]domain.Message, error)
	CloseConversation(ctx context.Context, userID, personaID string) error
	UnreadCount(ctx context.Context, userID, personaID string) (int, error)
	OpenLinkedItem(ctx context.Context, userID, personaID, itemID string) (usecase.OpenItemOutput, error)
	QuotaStatus(ctx context.Context, userID string) (quota.Status, error)
	GrantReward(ctx context.Context, userID string) (quota.Status, error)
}

type OutreachUseCase interface {
	MaybeReachOut(ctx context.Context, userID, personaID string) (usecase.OutreachResult, error)
}

type Handler struct {
	chat       ChatUseCase
	outreach   OutreachUseCase
	logger     *slog.Logger
	userHeader bool
	metrics    prometheus.Gatherer
}

type Option func(*Handler)

// WithUserHeader lets X-User-Id identify the caller when the request carries
// no authorizer principal. Without it such requests are anonymous.
func WithUserHeader(trusted bool) Option {
	return func(h *Handler) {
		h.userHeader = trusted
	}
}

// WithMetrics adds this process's persona_chat counters to every request log
// line.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = g
	}
}

func NewHandler(chat ChatUseCase, outreach OutreachUseCase, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if outreach == nil {
		return nil, errors.New("handler: outreach use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{chat: chat, outreach: outreach, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type sendRequest struct {
	Text         string `json:"text"`
	LinkedItemID string `json:"linkedItemId,omitempty"`
}

type messageResponse struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	IsUser       bool    `json:"isUser"`
	Timestamp    float64 `json:"timestamp"`
	LinkedItemID string  `json:"linkedItemId,omitempty"`
}

type sendResponse struct {
	UserMessage *messageResponse `json:"userMessage,omitempty"`
	Reply       *messageResponse `json:"reply,omitempty"`
	Remaining   *int             `json:"remaining,omitempty"`
}

type conversationResponse struct {
	Messages []messageResponse `json:"messages"`
}

type openItemResponse struct {
	Messages []messageResponse `json:"messages"`
	Created  bool              `json:"created"`
}

type unreadResponse struct {
	Unread int `json:"unread"`
}

// quotaResponse leaves remaining out for subscribed users.
type quotaResponse struct {
	Subscribed     bool `json:"subscribed"`
	Count          int  `json:"count"`
	Limit          int  `json:"limit"`
	Remaining      *int `json:"remaining,omitempty"`
	LimitReached   bool `json:"limitReached"`
	CanWatchReward bool `json:"canWatchReward"`
}

type outreachResponse struct {
	Sent    bool             `json:"sent"`
	Blocked string           `json:"blocked,omitempty"`
	Intent  string           `json:"intent,omitempty"`
	Message *messageResponse `json:"message,omitempty"`
}

// errorResponse carries userMessage when the user's turn was stored before
// the failure.
type errorResponse struct {
	Error       string           `json:"error"`
	Reason      string           `json:"reason,omitempty"`
	UserMessage *messageResponse `json:"userMessage,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)
	start := time.Now()

	status, body, err := h.route(ctx, req)
	attrs := []any{"method", req.HTTPMethod, "resource", req.Resource, "status", status}
	if h.metrics != nil {
		attrs = append(attrs, "counters", counterSnapshot(h.metrics))
	}
	if status >= 400 {
		level := slog.LevelWarn
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "request failed", append(attrs, "err", err)...)
	} else {
		logger.Info("request handled", append(attrs, "duration_ms", time.Since(start).Milliseconds())...)
	}
	return jsonResponse(status, correlationID, body), nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) (int, any, error) {
	userID := h.userIDFrom(req)
	personaID := strings.TrimSpace(req.PathParameters["personaId"])

	switch req.HTTPMethod + " " + req.Resource {
	case http.MethodPost + " " + routeMessages:
		var in sendRequest
		if err := decodeBody(req, &in); err != nil {
			return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}, err
		}
		out, err := h.chat.Send(ctx, usecase.SendInput{
			UserID:       userID,
			PersonaID:    personaID,
			Text:         in.Text,
			LinkedItemID: in.LinkedItemID,
		})
		if err != nil {
			status, body := errorStatus(err)
			if out.UserMessage.ID != "" {
				m := toMessage(out.UserMessage)
				body.UserMessage = &m
			}
			return status, body, err
		}
		return http.StatusOK, toSendResponse(out), nil

	case http.MethodGet + " " + routeMessages:
		msgs, err := h.chat.OpenConversation(ctx, userID, personaID, req.QueryStringParameters["linkedItemId"])
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, conversationResponse{Messages: toMessages(msgs)}, nil

	case http.MethodPost + " " + routeRead:
		if err := h.chat.CloseConversation(ctx, userID, personaID); err != nil {
			return failure(err)
		}
		return http.StatusNoContent, nil, nil

	case http.MethodGet + " " + routeUnread:
		n, err := h.chat.UnreadCount(ctx, userID, personaID)
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, unreadResponse{Unread: n}, nil

	case http.MethodPost + " " + routeOpenItem:
		out, err := h.chat.OpenLinkedItem(ctx, userID, personaID, req.PathParameters["itemId"])
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, openItemResponse{Messages: toMessages(out.Messages), Created: out.Opening != nil}, nil

	case http.MethodGet + " " + routeQuota:
		st, err := h.chat.QuotaStatus(ctx, userID)
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, toQuotaResponse(st), nil

	case http.MethodPost + " " + routeReward:
		st, err := h.chat.GrantReward(ctx, userID)
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, toQuotaResponse(st), nil

	case http.MethodPost + " " + routeOutreach:
		res, err := h.outreach.MaybeReachOut(ctx, userID, personaID)
		if err != nil {
			return failure(err)
		}
		out := outreachResponse{Sent: res.Sent, Blocked: string(res.Blocked), Intent: string(res.Intent)}
		if res.Sent {
			m := toMessage(res.Message)
			out.Message = &m
		}
		return http.StatusOK, out, nil
	}
	return http.StatusNotFound, errorResponse{Error: errorNotFound}, nil
}

func failure(err error) (int, any, error) {
	status, body := errorStatus(err)
	return status, body, err
}

func errorStatus(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	body := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, body
	case usecase.ErrorQuotaExceeded, usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, body
	case usecase.ErrorStoreWriteFailed, usecase.ErrorGenerationFailed:
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: ucErr.Reason}
	}
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return err
		}
		raw = decoded
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// userIDFrom prefers the authorizer principal. The header is only consulted
// when the handler was told to trust it.
func (h *Handler) userIDFrom(req events.APIGatewayProxyRequest) string {
	if p, ok := req.RequestContext.Authorizer["principalId"].(string); ok && strings.TrimSpace(p) != "" {
		return strings.TrimSpace(p)
	}
	if !h.userHeader {
		return ""
	}
	return headerValue(req.Headers, headerUserID)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func toMessage(m domain.Message) messageResponse {
	return messageResponse{
		ID:           m.ID,
		Content:      m.Content,
		IsUser:       m.IsUser(),
		Timestamp:    float64(m.Timestamp.UnixMicro()) / 1e6,
		LinkedItemID: m.LinkedItemID,
	}
}

func toMessages(msgs []domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out
}

func toSendResponse(out usecase.SendOutput) sendResponse {
	if out.UserMessage.ID == "" {
		return sendResponse{}
	}
	user := toMessage(out.UserMessage)
	reply := toMessage(out.Reply)
	resp := sendResponse{UserMessage: &user, Reply: &reply}
	if out.Remaining != quota.Unlimited {
		resp.Remaining = &out.Remaining
	}
	return resp
}

func toQuotaResponse(st quota.Status) quotaResponse {
	resp := quotaResponse{
		Subscribed:     st.Subscribed,
		Count:          st.Count,
		Limit:          st.Limit,
		LimitReached:   st.LimitReached,
		CanWatchReward: st.CanWatchReward,
	}
	if !st.Subscribed {
		resp.Remaining = &st.Remaining
	}
	return resp
}

// counterSnapshot flattens the persona_chat counters, keyed by name plus
// label values, e.g. persona_chat_chat_store_write_failures_total{op=append_user}.
func counterSnapshot(g prometheus.Gatherer) map[string]float64 {
	families, _ := g.Gather()
	out := make(map[string]float64)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), metricsPrefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			name := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				pairs := make([]string, 0, len(labels))
				for _, lp := range labels {
					pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
				}
				name += "{" + strings.Join(pairs, ",") + "}"
			}
			out[name] = m.GetCounter().GetValue()
		}
	}
	return out
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":      "application/json",
		headerCorrelationID: correlationID,
	}
	if body == nil {
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    headers,
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(raw)}
}
