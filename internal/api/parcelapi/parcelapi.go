// Package parcelapi exposes the delivery network over HTTP. Identity arrives
// from the gateway in trusted headers and is built once per request; every
// role-scoped subtree re-checks it.
package parcelapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/ParcelNet/internal/apperr"
	"github.com/BearBump/ParcelNet/internal/cache/rediscache"
	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/BearBump/ParcelNet/internal/services/dispatch"
	"github.com/BearBump/ParcelNet/internal/services/exceptions"
	"github.com/BearBump/ParcelNet/internal/services/parcels"
	"github.com/BearBump/ParcelNet/internal/services/vehicles"
	"github.com/go-chi/chi/v5"
)

const (
	headerUserID = "X-User-Id"
	headerRole   = "X-User-Role"
	headerNode   = "X-User-Node"
)

// Limiter — счётчик окна для публичных ручек (rediscache.RateLimiter).
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type API struct {
	parcels    *parcels.Service
	dispatch   *dispatch.Service
	vehicles   *vehicles.Service
	exceptions *exceptions.Service

	limiter      Limiter
	publicLimit  int64
	publicWindow time.Duration
}

func New(p *parcels.Service, d *dispatch.Service, v *vehicles.Service, e *exceptions.Service) *API {
	return &API{parcels: p, dispatch: d, vehicles: v, exceptions: e}
}

// WithRateLimit включает лимитер на публичных ручках (estimate, status).
func (a *API) WithRateLimit(l Limiter, limit int64, window time.Duration) *API {
	a.limiter = l
	a.publicLimit = limit
	a.publicWindow = window
	return a
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/map", a.handleMap)
	r.Get("/map/route", a.handleMapRoute)

	r.Group(func(r chi.Router) {
		r.Use(a.rateLimit)
		r.Post("/packages/estimate", a.handleEstimate)
		r.Get("/packages/{id}/status", a.handleStatus)
	})
	r.Get("/packages/{id}/events", a.handleEvents)
	r.Post("/packages", a.handleCreatePackage)

	r.Route("/driver", func(r chi.Router) {
		r.Use(requireRole(models.RoleDriver))
		r.Get("/tasks", a.handleTaskList)
		r.Post("/tasks/{id}/accept", a.handleTaskAccept)
		r.Post("/tasks/{id}/pickup", a.handleTaskPickup)
		r.Post("/tasks/{id}/dropoff", a.handleTaskDropoff)
		r.Post("/tasks/{id}/enroute", a.handleTaskEnRoute)
		r.Post("/tasks/{id}/arrive", a.handleTaskArrive)
		r.Post("/tasks/{id}/complete", a.handleTaskComplete)
		r.Get("/exceptions", a.handleDriverExceptions)
		r.Post("/packages/{id}/exception", a.handleDriverException)
	})

	r.Route("/vehicles/me", func(r chi.Router) {
		r.Use(requireRole(models.RoleDriver))
		r.Get("/", a.handleVehicleMe)
		r.Post("/move", a.handleVehicleMove)
		r.Get("/cargo", a.handleVehicleCargo)
	})

	r.Route("/warehouse", func(r chi.Router) {
		r.Use(requireRole(models.RoleWarehouseStaff))
		r.Post("/packages/receive", a.handleWarehouseReceive)
		r.Post("/packages/{id}/dispatch-next", a.handleDispatchNext)
		r.Post("/packages/{id}/exception", a.handleWarehouseException)
	})

	r.Route("/cs", func(r chi.Router) {
		r.Use(requireRole(models.RoleCustomerService))
		r.Get("/exceptions", a.handleCSExceptions)
		r.Post("/exceptions/{id}/handle", a.handleCSHandle)
	})

	return r
}

type ctxKey int

const identityKey ctxKey = 0

func identityFrom(r *http.Request) models.Identity {
	return models.Identity{
		UserID:   r.Header.Get(headerUserID),
		Role:     r.Header.Get(headerRole),
		HomeNode: r.Header.Get(headerNode),
	}
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := identityFrom(r)
			if ident.UserID == "" {
				respondErr(w, apperr.Unauthorized("missing identity"))
				return
			}
			if ident.Role != role {
				respondErr(w, apperr.Forbidden("role "+role+" required"))
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identity(r *http.Request) models.Identity {
	if v, ok := r.Context().Value(identityKey).(models.Identity); ok {
		return v
	}
	return identityFrom(r)
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		key := rediscache.LimitKey(host, r.URL.Path)
		allowed, _, err := a.limiter.Allow(r.Context(), key, a.publicLimit, a.publicWindow)
		if err != nil {
			// лимитер недоступен — пропускаем, а не роняем запрос
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
