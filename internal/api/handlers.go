package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/msgrelay/relayhub/internal/models"
)

const defaultListLimit = 100

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func (s *Server) listConnectorsHandler(w http.ResponseWriter, r *http.Request) {
	names := s.connectors.List()
	manifests := make([]models.ConnectorManifest, 0, len(names))
	for _, name := range names {
		if conn, ok := s.connectors.Get(name); ok {
			manifests = append(manifests, conn.Manifest())
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(manifests))
}

func (s *Server) listInstancesHandler(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListServiceInstances()
	if err != nil {
		slog.Error("Server.listInstancesHandler: failed to list instances", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list instances"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(instances))
}

func (s *Server) activateInstanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var inst models.ServiceInstance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		slog.Warn("Server.activateInstanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.lifecycle.ActivateInstance(r.Context(), inst); err != nil {
		slog.Error("Server.activateInstanceHandler: activation failed", "instanceID", inst.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	// Re-read: activation may have forced directions off.
	saved, err := s.store.GetServiceInstance(inst.ID)
	if err != nil || saved == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Instance activated", inst))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Instance activated", saved))
}

type instanceDetail struct {
	Instance models.ServiceInstance `json:"instance"`
	Counts   map[string]int         `json:"counts"`
}

func (s *Server) getInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := s.store.GetServiceInstance(id)
	if err != nil {
		slog.Error("Server.getInstanceHandler: lookup failed", "instanceID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load instance"))
		return
	}
	if inst == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Instance not found"))
		return
	}

	detail := instanceDetail{Instance: *inst, Counts: make(map[string]int)}
	for _, direction := range []models.Direction{models.DirectionInbound, models.DirectionOutbound} {
		total, pending, err := s.store.NativeMessageCounts(id, direction)
		if err != nil {
			continue
		}
		detail.Counts[string(direction)+"_total"] = total
		detail.Counts[string(direction)+"_pending"] = pending
	}
	writeJSONResponse(w, http.StatusOK, models.Success(detail))
}

func (s *Server) removeInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.lifecycle.RemoveInstance(r.Context(), id); err != nil {
		slog.Error("Server.removeInstanceHandler: removal failed", "instanceID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Instance removed", nil))
}

func (s *Server) testInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := s.store.GetServiceInstance(id)
	if err != nil || inst == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Instance not found"))
		return
	}
	conn, ok := s.connectors.Get(inst.Connector)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No connector registered for instance"))
		return
	}
	result := conn.TestConnection(r.Context(), inst.Config)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) saveSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var sub models.UserSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		slog.Warn("Server.saveSubscriptionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if sub.UserID == "" || sub.ServiceInstanceID == "" || sub.SourceServiceID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id, service_instance_id and source_service_id are required"))
		return
	}
	if err := s.store.SaveSubscription(sub); err != nil {
		slog.Error("Server.saveSubscriptionHandler: save failed", "userID", sub.UserID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save subscription"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Subscription saved", sub))
}

func (s *Server) deactivateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.DeactivateSubscription(vars["userID"], vars["instanceID"]); err != nil {
		slog.Error("Server.deactivateSubscriptionHandler: deactivation failed", "userID", vars["userID"], "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to deactivate subscription"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Subscription deactivated", nil))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListCanonicalMessages(listLimit(r))
	if err != nil {
		slog.Error("Server.listMessagesHandler: failed to list messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) listQueueHandler(w http.ResponseWriter, r *http.Request) {
	limit := listLimit(r)
	status := models.QueueStatus(r.URL.Query().Get("status"))

	var (
		entries []models.OutgoingQueueEntry
		err     error
	)
	if status == "" {
		entries, err = s.store.QueuedEntries(limit)
	} else if models.IsValidQueueStatus(status) {
		entries, err = s.store.EntriesByStatus(status, limit)
	} else {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid queue status"))
		return
	}
	if err != nil {
		slog.Error("Server.listQueueHandler: failed to list entries", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list queue entries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) getQueueEntryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, err := s.store.GetQueueEntry(id)
	if err != nil {
		slog.Error("Server.getQueueEntryHandler: lookup failed", "entryID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load queue entry"))
		return
	}
	if entry == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Queue entry not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

func (s *Server) requeueHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fresh, err := s.stages.Delivery.Requeue(id)
	if err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.requeueHandler: requeue failed", "entryID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Entry requeued", fresh))
}

func (s *Server) listAuditHandler(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance")
	events, err := s.store.AuditEvents(instanceID, listLimit(r))
	if err != nil {
		slog.Error("Server.listAuditHandler: failed to list audit events", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list audit events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

func (s *Server) runStageHandler(w http.ResponseWriter, r *http.Request) {
	stage := mux.Vars(r)["stage"]

	var err error
	switch stage {
	case "ingest":
		err = s.stages.Ingestor.RunCycle(r.Context())
	case "canonicalize":
		err = s.stages.Canonicalizer.RunCycle(r.Context())
	case "distribute":
		err = s.stages.Distributor.RunCycle(r.Context())
	case "deliver":
		err = s.stages.Delivery.RunCycle(r.Context())
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown stage"))
		return
	}
	if err != nil {
		slog.Error("Server.runStageHandler: stage failed", "stage", stage, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Stage completed", nil))
}
