package parcelapi

import (
	"net/http"
	"strconv"

	"github.com/BearBump/ParcelNet/internal/apperr"
	"github.com/BearBump/ParcelNet/internal/services/exceptions"
	"github.com/BearBump/ParcelNet/internal/services/parcels"
	"github.com/go-chi/chi/v5"
)

func (a *API) handleMap(w http.ResponseWriter, r *http.Request) {
	nodes, edges, err := a.parcels.MapSnapshot(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "edges": edges})
}

func (a *API) handleMapRoute(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		respondErr(w, apperr.Validation("from and to are required"))
		return
	}
	route, err := a.parcels.Route(r.Context(), from, to)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, route)
}

func (a *API) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var in parcels.EstimateInput
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := a.parcels.Estimate(r.Context(), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var in parcels.CreateInput
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := a.parcels.Create(r.Context(), identity(r).UserID, in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := a.parcels.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := a.parcels.Events(r.Context(), chi.URLParam(r, "id"),
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *API) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := a.dispatch.List(r.Context(), identity(r), q.Get("scope"), q.Get("status"), queryInt(r, "limit", 0))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleTaskAccept(w http.ResponseWriter, r *http.Request) {
	task, err := a.dispatch.Accept(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (a *API) handleTaskPickup(w http.ResponseWriter, r *http.Request) {
	cargo, err := a.dispatch.Pickup(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cargo": cargo})
}

func (a *API) handleTaskDropoff(w http.ResponseWriter, r *http.Request) {
	res, err := a.dispatch.Dropoff(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleTaskEnRoute(w http.ResponseWriter, r *http.Request) {
	res, err := a.dispatch.EnRoute(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleTaskArrive(w http.ResponseWriter, r *http.Request) {
	res, err := a.dispatch.Arrive(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	if err := a.dispatch.Complete(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"completed": true})
}

func (a *API) handleDriverExceptions(w http.ResponseWriter, r *http.Request) {
	exs, err := a.exceptions.ListForReporter(r.Context(), identity(r).UserID, queryInt(r, "limit", 0))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"exceptions": exs})
}

func (a *API) handleDriverException(w http.ResponseWriter, r *http.Request) {
	var in exceptions.ReportInput
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	ex, err := a.exceptions.ReportDriver(r.Context(), identity(r), chi.URLParam(r, "id"), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"exception": ex})
}

func (a *API) handleVehicleMe(w http.ResponseWriter, r *http.Request) {
	v, err := a.vehicles.Ensure(r.Context(), identity(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"vehicle": v})
}

type moveRequest struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
}

func (a *API) handleVehicleMove(w http.ResponseWriter, r *http.Request) {
	var in moveRequest
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	v, err := a.vehicles.Move(r.Context(), identity(r), in.FromNodeID, in.ToNodeID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"vehicle": v})
}

func (a *API) handleVehicleCargo(w http.ResponseWriter, r *http.Request) {
	v, cargo, err := a.vehicles.Cargo(r.Context(), identity(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"vehicle": v, "cargo": cargo})
}

type receiveRequest struct {
	PackageIDs []string `json:"package_ids"`
}

func (a *API) handleWarehouseReceive(w http.ResponseWriter, r *http.Request) {
	var in receiveRequest
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := a.dispatch.Receive(r.Context(), identity(r), in.PackageIDs)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type dispatchRequest struct {
	ToNodeID string `json:"to_node_id"`
}

func (a *API) handleDispatchNext(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := a.dispatch.DispatchNext(r.Context(), identity(r), chi.URLParam(r, "id"), in.ToNodeID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (a *API) handleWarehouseException(w http.ResponseWriter, r *http.Request) {
	var in exceptions.ReportInput
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	ex, err := a.exceptions.ReportWarehouse(r.Context(), identity(r), chi.URLParam(r, "id"), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"exception": ex})
}

func (a *API) handleCSExceptions(w http.ResponseWriter, r *http.Request) {
	var handled *bool
	if raw := r.URL.Query().Get("handled"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			respondErr(w, apperr.Validation("handled must be true or false"))
			return
		}
		handled = &b
	}
	exs, err := a.exceptions.ListPool(r.Context(), handled, queryInt(r, "limit", 0))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"exceptions": exs})
}

func (a *API) handleCSHandle(w http.ResponseWriter, r *http.Request) {
	var in exceptions.HandleInput
	if err := decodeBody(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := a.exceptions.Handle(r.Context(), identity(r), chi.URLParam(r, "id"), in); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"handled": true})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
