package shuttle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"shuttleci.dev/core/shuttle/db"
	"shuttleci.dev/core/shuttle/queue"
	"shuttleci.dev/core/workflow"
)

// already-parsed webhook event, as delivered by the git host adapter
type hookPayload struct {
	Kind      string `json:"kind"`
	Ref       string `json:"ref"`
	CommitID  string `json:"commit_id"`
	Message   string `json:"message"`
	CommitURL string `json:"commit_url"`
	Author    string `json:"author"`

	// ping only
	Events string `json:"events"`
}

func (s *Shuttle) Hook(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.flowFromRequest(w, r)
	if !ok {
		return
	}

	var payload hookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// pings only confirm the webhook registration, they never reach
	// the start decision
	if payload.Kind == string(workflow.TriggerPing) {
		if err := s.db.SetWebhookAdded(r.Context(), flow.ID, payload.Events); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	trigger := &workflow.Trigger{
		Kind:          workflow.TriggerKind(payload.Kind),
		Ref:           payload.Ref,
		CommitID:      payload.CommitID,
		CommitMessage: payload.Message,
		CommitURL:     payload.CommitURL,
		Author:        payload.Author,
	}

	started, err := s.handleTrigger(r.Context(), flow, trigger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !started {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Shuttle) RunHandler(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.flowFromRequest(w, r)
	if !ok {
		return
	}

	started, err := s.handleTrigger(r.Context(), flow, &workflow.Trigger{Kind: workflow.TriggerManual})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !started {
		http.Error(w, "flow has no saved definition", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleTrigger is the single start decision for every trigger source.
func (s *Shuttle) handleTrigger(ctx context.Context, flow *db.Flow, trigger *workflow.Trigger) (bool, error) {
	if trigger.Skipped() {
		s.l.Info("ignoring trigger with skip marker", "flow", flow.Name)
		return false, nil
	}

	raw, err := s.db.GetDefinition(ctx, flow.ID)
	if err != nil {
		if errors.Is(err, db.ErrNoDefinition) {
			s.l.Warn("no definition for triggered flow", "flow", flow.Name)
			return false, nil
		}
		return false, err
	}

	tree, err := workflow.Load(flow.Name, []byte(raw))
	if err != nil {
		return false, err
	}

	if !workflow.ShouldStartJob(trigger, tree) {
		s.l.Debug("trigger filtered out", "flow", flow.Name, "kind", trigger.Kind, "ref", trigger.Ref)
		return false, nil
	}

	s.publish(queue.Request{
		JobID:         uuid.NewString(),
		FlowID:        flow.ID,
		FlowName:      flow.Name,
		RawDefinition: raw,
		Kind:          string(trigger.Kind),
		Vars:          trigger.Vars(),
	})
	return true, nil
}

func (s *Shuttle) CreateFlowHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "flow")
	if name == "" {
		http.Error(w, "flow name required", http.StatusBadRequest)
		return
	}

	flow, err := s.db.CreateFlow(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": flow.ID, "name": flow.Name})
}

func (s *Shuttle) GetDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.flowFromRequest(w, r)
	if !ok {
		return
	}

	raw, err := s.db.GetDefinition(r.Context(), flow.ID)
	if err != nil {
		if errors.Is(err, db.ErrNoDefinition) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Write([]byte(raw))
}

func (s *Shuttle) SaveDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.flowFromRequest(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if _, err := s.SaveDefinition(r.Context(), flow, string(raw)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Shuttle) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.flowFromRequest(w, r)
	if !ok {
		return
	}

	var settings Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid settings", http.StatusBadRequest)
		return
	}

	if err := s.ApplySettings(r.Context(), flow, settings); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Shuttle) flowFromRequest(w http.ResponseWriter, r *http.Request) (*db.Flow, bool) {
	name := chi.URLParam(r, "flow")
	flow, err := s.db.GetFlowByName(r.Context(), name)
	if err != nil {
		http.Error(w, "unknown flow", http.StatusNotFound)
		return nil, false
	}
	return flow, true
}
