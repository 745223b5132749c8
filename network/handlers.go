package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tetherd/models"
	"tetherd/storage"
	"tetherd/tether"
)

// Role selects which side of a tether the local instance plays.
type Role string

const (
	// RoleHub registers tether requests and answers control channel polls.
	RoleHub Role = "hub"
	// RoleEdge initiates tethers and polls its hubs.
	RoleEdge Role = "edge"
)

// ParseRole validates a configured role name.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleHub:
		return RoleHub, nil
	case RoleEdge:
		return RoleEdge, nil
	default:
		return "", fmt.Errorf("unknown role %q (want %q or %q)", value, RoleHub, RoleEdge)
	}
}

// HandlerOptions configures the tethering API.
type HandlerOptions struct {
	Role        Role
	Coordinator *tether.Coordinator

	// RequestTimeout bounds an initiate call including retries.
	RequestTimeout time.Duration

	// ControlChannelRate limits polls per second and peer. Zero disables it.
	ControlChannelRate  float64
	ControlChannelBurst int

	// ReportError receives handler panics and every error answered with a 5xx.
	ReportError func(r *http.Request, err error)
}

type api struct {
	options HandlerOptions
	limiter *peerLimiter
}

// NewHandler builds the chi router serving the tethering API for options.Role.
func NewHandler(options HandlerOptions) (http.Handler, error) {
	if options.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if options.Role != RoleHub && options.Role != RoleEdge {
		return nil, fmt.Errorf("unknown role %q", options.Role)
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 4 * DefaultRequestTimeout
	}

	a := &api{
		options: options,
		limiter: newPeerLimiter(options.ControlChannelRate, options.ControlChannelBurst),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(a.reportPanics)
	router.Use(loggingMiddleware)

	router.Get(PathHealth, a.handleHealth)
	router.Route(APIPrefix, func(r chi.Router) {
		r.Post(PathCreate, a.handleCreate)
		r.Get(PathRequests, a.handleListRequests)
		r.Delete(PathConnections+"/{peer}", a.handleDelete)
		r.Get(PathControlChannels, a.handleChannelStatus)

		if options.Role == RoleHub {
			r.Post(PathRequests+"/{peer}/accept", a.handleAccept)
			r.Post(PathRequests+"/{peer}/reject", a.handleReject)
			r.Put(PathControlChannels, a.handleControlChannel)
			r.Put(PathControlChannels+"/{peer}", a.handleControlChannel)
		}
	})

	return router, nil
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"role":   string(a.options.Role),
	})
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	var request models.TetherRequest
	if err := DecodeJSON(r.Body, &request); err != nil {
		a.writeError(w, r, err)
		return
	}

	var err error
	switch a.options.Role {
	case RoleHub:
		err = a.options.Coordinator.Register(request)
	case RoleEdge:
		ctx, cancel := context.WithTimeout(r.Context(), a.options.RequestTimeout)
		defer cancel()
		err = a.options.Coordinator.Initiate(ctx, request)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *api) handleListRequests(w http.ResponseWriter, r *http.Request) {
	peers, err := a.options.Coordinator.List()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (a *api) handleAccept(w http.ResponseWriter, r *http.Request) {
	if err := a.options.Coordinator.Accept(chi.URLParam(r, "peer")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *api) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := a.options.Coordinator.Reject(chi.URLParam(r, "peer")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	if err := a.options.Coordinator.Delete(peer); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.limiter.Forget(peer)
	w.WriteHeader(http.StatusOK)
}

func (a *api) handleChannelStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.options.Coordinator.ChannelStatus())
}

func (a *api) handleControlChannel(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	if peer == "" {
		peer = strings.TrimSpace(r.Header.Get(HeaderInstance))
	}
	if peer == "" {
		a.writeError(w, r, fmt.Errorf("%w: missing peer name", tether.ErrInvalidRequest))
		return
	}
	if !a.limiter.Allow(peer) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "control channel rate limit exceeded"})
		return
	}

	written := false
	err := a.options.Coordinator.ServeControlChannel(peer, func(messages []models.ControlMessage) error {
		body, err := EncodeJSON(messages)
		if err != nil {
			return err
		}
		written = true
		return writeBody(w, http.StatusOK, body)
	})
	if err == nil {
		return
	}
	if written {
		logrus.Warnf("[http] control channel response to %s failed: %v", peer, err)
		return
	}
	a.writeError(w, r, err)
}

// statusFor maps an error to the HTTP status returned to the caller.
func statusFor(err error) int {
	var remote *tether.RemoteStatusError
	switch {
	case errors.As(err, &remote):
		return remote.StatusCode
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tether.ErrInvalidRequest),
		errors.Is(err, ErrMalformedBody),
		errors.Is(err, ErrBodyTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, tether.ErrRemoteUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Error("[http] request failed")
		a.report(r, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *api) report(r *http.Request, err error) {
	if a.options.ReportError != nil {
		a.options.ReportError(r, err)
	}
}

// reportPanics hands a panic to ReportError and re-panics for Recoverer.
func (a *api) reportPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec != http.ErrAbortHandler {
				a.report(r, fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec))
			}
			panic(rec)
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := EncodeJSON(payload)
	if err != nil {
		logrus.WithError(err).Error("[http] encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := writeBody(w, status, body); err != nil {
		logrus.Debugf("[http] %v", err)
	}
}

func writeBody(w http.ResponseWriter, status int, body []byte) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
