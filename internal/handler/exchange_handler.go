package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"exchange-service/internal/model"
	"exchange-service/internal/notify"
	"exchange-service/internal/service"
	"exchange-service/internal/util"
)

const maxBodyBytes = 64 << 10

// ExchangeHandler serves the exchange wire contract.
type ExchangeHandler struct {
	matcher  *service.PairingMatcher
	qr       *service.QRService
	profiles *service.ProfileService
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewExchangeHandler creates a new exchange handler instance
func NewExchangeHandler(services *service.ServiceFactory, logger *zap.Logger) *ExchangeHandler {
	return &ExchangeHandler{
		matcher:  services.PairingMatcher(),
		qr:       services.QRService(),
		profiles: services.ProfileService(),
		notifier: services.Notifier(),
		logger:   logger,
	}
}

// Request/response payloads

type OpenSessionRequest struct {
	SessionID       string `json:"sessionId,omitempty"`
	SharingCategory string `json:"sharingCategory,omitempty"`
}

type OpenSessionResponse struct {
	SessionID string             `json:"sessionId"`
	ExpiresAt time.Time          `json:"expiresAt"`
	State     model.SessionState `json:"state"`
	QRToken   string             `json:"qrToken,omitempty"`
}

type HitRequest struct {
	// Timestamp is the device hit time in epoch milliseconds; 0 means now.
	Timestamp       int64  `json:"timestamp"`
	ProximitySignal string `json:"proximitySignal,omitempty"`
}

type HitResponse struct {
	State model.SessionState `json:"state"`
	Match *model.MatchRef    `json:"match,omitempty"`
}

type IssueQRRequest struct {
	SharingCategory string `json:"sharingCategory,omitempty"`
}

type IssueQRResponse struct {
	QRToken         string                `json:"qrToken"`
	SharingCategory model.SharingCategory `json:"sharingCategory"`
}

type RedeemRequest struct {
	SharingCategory string `json:"sharingCategory,omitempty"`
}

type RedeemResponse struct {
	MatchToken string `json:"matchToken"`
}

// RegisterRoutes registers the exchange routes. The stream route is
// registered separately since it must outlive the request timeout.
func (h *ExchangeHandler) RegisterRoutes(r chi.Router, users TokenValidator, limiter RateLimiter, limit int) {
	optional := OptionalUser(users, h.logger)
	required := RequireUser(h.logger)

	r.Route("/exchange", func(r chi.Router) {
		r.Use(optional)

		r.With(RateLimit(limiter, "open", limit, h.logger)).Post("/session", h.OpenSession)
		r.Route("/session/{sessionID}", func(r chi.Router) {
			r.With(RateLimit(limiter, "hit", limit, h.logger)).Post("/hit", h.RegisterHit)
			r.Get("/", h.GetSession)
			r.Delete("/", h.CloseSession)
		})

		r.Get("/preview/{token}", h.Preview)

		r.Group(func(r chi.Router) {
			r.Use(required)
			r.Get("/pair/{token}", h.Pair)
			r.Post("/qr", h.IssueQR)
			r.With(RateLimit(limiter, "redeem", limit, h.logger)).Post("/qr/{qrShareToken}/redeem", h.Redeem)
			r.Get("/profile", h.GetProfile)
			r.Put("/profile", h.UpsertProfile)
		})
	})
}

// OpenSession handles POST /exchange/session
func (h *ExchangeHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}
	category, err := model.ParseSharingCategory(req.SharingCategory)
	if err != nil {
		respondWithError(h.logger, w, fmt.Errorf("%w: %v", service.ErrInvalidInput, err), "Invalid sharing category")
		return
	}

	userID := UserIDFromContext(r.Context())
	sess, err := h.matcher.OpenSession(r.Context(), service.OpenSessionRequest{
		SessionID:       req.SessionID,
		OwnerUserID:     userID,
		SharingCategory: category,
	})
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to open session")
		return
	}

	resp := OpenSessionResponse{
		SessionID: sess.SessionID,
		ExpiresAt: sess.ExpiresAt,
		State:     sess.State,
	}
	if userID != "" {
		// The session is usable without a QR code.
		if token, err := h.qr.EnsureShareToken(r.Context(), userID, category); err != nil {
			h.logger.Warn("Failed to load share token for presentation",
				util.SessionID(sess.SessionID), util.UserID(userID), zap.Error(err))
		} else {
			resp.QRToken = token.Token
		}
	}

	respondWithJSON(h.logger, w, http.StatusCreated, successResponse(resp, "Session opened"))
}

// RegisterHit handles POST /exchange/session/{sessionID}/hit
func (h *ExchangeHandler) RegisterHit(w http.ResponseWriter, r *http.Request) {
	var req HitRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}

	hit := service.HitRequest{
		SessionID:       chi.URLParam(r, "sessionID"),
		ProximitySignal: req.ProximitySignal,
	}
	if req.Timestamp > 0 {
		hit.Timestamp = time.UnixMilli(req.Timestamp).UTC()
	}

	sess, err := h.matcher.RegisterHit(r.Context(), hit)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to register hit")
		return
	}
	view := sess.View()
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(HitResponse{
		State: view.State,
		Match: view.Match,
	}, ""))
}

// GetSession handles GET /exchange/session/{sessionID}
func (h *ExchangeHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.matcher.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(h.logger, w, err, "Session not found")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(sess.View(), ""))
}

// CloseSession handles DELETE /exchange/session/{sessionID}. It reports
// success for unknown and already terminal sessions too.
func (h *ExchangeHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.matcher.CloseSession(r.Context(), sessionID); err != nil {
		h.logger.Warn("Failed to close session", util.SessionID(sessionID), zap.Error(err))
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(nil, "Session closed"))
}

// Pair handles GET /exchange/pair/{token}
func (h *ExchangeHandler) Pair(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.Pair(r.Context(),
		chi.URLParam(r, "token"),
		UserIDFromContext(r.Context()),
		r.URL.Query().Get("sessionId"),
	)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to resolve paired profile")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(profile, ""))
}

// Preview handles GET /exchange/preview/{token}
func (h *ExchangeHandler) Preview(w http.ResponseWriter, r *http.Request) {
	preview, err := h.profiles.Preview(r.Context(),
		chi.URLParam(r, "token"),
		UserIDFromContext(r.Context()),
		r.URL.Query().Get("sessionId"),
	)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to resolve preview")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(preview, ""))
}

// IssueQR handles POST /exchange/qr
func (h *ExchangeHandler) IssueQR(w http.ResponseWriter, r *http.Request) {
	var req IssueQRRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}
	category, err := model.ParseSharingCategory(req.SharingCategory)
	if err != nil {
		respondWithError(h.logger, w, fmt.Errorf("%w: %v", service.ErrInvalidInput, err), "Invalid sharing category")
		return
	}

	token, err := h.qr.IssueShareToken(r.Context(), UserIDFromContext(r.Context()), category)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to issue share token")
		return
	}
	respondWithJSON(h.logger, w, http.StatusCreated, successResponse(IssueQRResponse{
		QRToken:         token.Token,
		SharingCategory: token.SharingCategory,
	}, "Share token issued"))
}

// Redeem handles POST /exchange/qr/{qrShareToken}/redeem
func (h *ExchangeHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}
	category, err := model.ParseSharingCategory(req.SharingCategory)
	if err != nil {
		respondWithError(h.logger, w, fmt.Errorf("%w: %v", service.ErrInvalidInput, err), "Invalid sharing category")
		return
	}

	match, err := h.qr.Redeem(r.Context(), chi.URLParam(r, "qrShareToken"), UserIDFromContext(r.Context()), category)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to redeem share token")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(RedeemResponse{MatchToken: match.Token}, ""))
}

// GetProfile handles GET /exchange/profile
func (h *ExchangeHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.GetProfile(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to load profile")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(profile, ""))
}

// UpsertProfile handles PUT /exchange/profile
func (h *ExchangeHandler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	var profile model.Profile
	if err := decodeBody(w, r, &profile); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}
	stored, err := h.profiles.UpsertProfile(r.Context(), UserIDFromContext(r.Context()), &profile)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to save profile")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(stored, "Profile saved"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return decodeJSON(w, r, dst, false)
}

// decodeOptionalBody accepts an empty body as the zero request.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return decodeJSON(w, r, dst, true)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: empty body", service.ErrInvalidInput)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}
