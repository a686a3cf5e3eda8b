package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Trivenidigital/Vizora-sub002/internal/pairing"
	"github.com/Trivenidigital/Vizora-sub002/internal/realtime"
	"github.com/Trivenidigital/Vizora-sub002/internal/store"
	"github.com/Trivenidigital/Vizora-sub002/internal/token"
	apperrors "github.com/Trivenidigital/Vizora-sub002/pkg/errors"
)

type Server struct {
	svc    *pairing.Service
	hub    *realtime.Hub
	issuer *token.Issuer
}

func NewServer(svc *pairing.Service, hub *realtime.Hub, issuer *token.Issuer) *Server {
	return &Server{svc: svc, hub: hub, issuer: issuer}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws/displays/{device_id}", s.handleDisplaySocket)
	}

	r.Route("/api/displays", func(r chi.Router) {
		r.Post("/pair", s.handleRequestCode)
		r.Post("/register", s.handleRegister)
		r.Get("/{device_id}", s.handleGetDisplay)
		r.Post("/{device_id}/heartbeat", s.handleHeartbeat)
		r.Delete("/{device_id}/pairing", s.handleUnpair)
	})

	r.Route("/api/pairing", func(r chi.Router) {
		r.Post("/complete", s.handleComplete)
		r.Get("/verify", s.handleVerify)
	})

	mux.Handle("/api/", r)
	mux.Handle("/ws/", r)
}

type pairRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type pairResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
	QRPayload string    `json:"qr_payload,omitempty"`
	QRImage   string    `json:"qr_image,omitempty"`
	Reused    bool      `json:"reused"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
}

func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		apperrors.WriteError(w, apperrors.BadRequest("device_id is required"))
		return
	}

	result, err := s.svc.RequestCode(r.Context(), req.DeviceID, req.Name)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}

	resp := pairResponse{
		Code:      result.Code,
		ExpiresAt: result.ExpiresAt,
		ExpiresIn: result.ExpiresIn,
		QRPayload: result.QRPayload,
		Reused:    result.Reused,
		Ephemeral: result.Ephemeral,
	}
	if len(result.QRImage) > 0 {
		resp.QRImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(result.QRImage)
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type registerResponse struct {
	Display *store.Display `json:"display"`
	Auth    *token.Grant   `json:"auth"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		apperrors.WriteError(w, apperrors.BadRequest("device_id is required"))
		return
	}

	d, err := s.svc.Register(r.Context(), req.DeviceID, req.Name)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}

	grant, err := s.issuer.Issue(d.DeviceID, d.Name)
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalServerError("failed to issue device tokens", err))
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Display: d, Auth: grant})
}

type completeRequest struct {
	Code           string `json:"code"`
	ControllerID   string `json:"controller_id"`
	ControllerName string `json:"controller_name"`
}

type completeResponse struct {
	Display       *store.Display    `json:"display"`
	Controller    *store.Controller `json:"controller"`
	AlreadyPaired bool              `json:"already_paired"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	result, err := s.svc.Complete(r.Context(), req.Code, req.ControllerID, req.ControllerName)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		Display:       result.Display,
		Controller:    result.Controller,
		AlreadyPaired: result.AlreadyPaired,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	controllerID := strings.TrimSpace(r.URL.Query().Get("controller_id"))
	if deviceID == "" || controllerID == "" {
		apperrors.WriteError(w, apperrors.BadRequest("device_id and controller_id are required"))
		return
	}

	isPaired, err := s.svc.Verify(r.Context(), deviceID, controllerID)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_paired": isPaired})
}

func (s *Server) handleGetDisplay(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "device_id"))
	if deviceID == "" {
		apperrors.WriteError(w, apperrors.BadRequest("device_id is required"))
		return
	}
	d, err := s.svc.Lookup(r.Context(), deviceID)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type heartbeatResponse struct {
	Display  *store.Display `json:"display"`
	IsPaired bool           `json:"is_paired"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "device_id"))
	if deviceID == "" {
		apperrors.WriteError(w, apperrors.BadRequest("device_id is required"))
		return
	}
	d, err := s.svc.Heartbeat(r.Context(), deviceID)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Display: d, IsPaired: d.ControllerID != nil})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "device_id"))
	if deviceID == "" {
		apperrors.WriteError(w, apperrors.BadRequest("device_id is required"))
		return
	}
	d, err := s.svc.Unpair(r.Context(), deviceID)
	if err != nil {
		apperrors.WriteError(w, apperrors.AsAppError(err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDisplaySocket(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(r, "device_id"))
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	s.hub.Serve(w, r, deviceID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
