package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/manager"
	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// Lifecycle is the slice of the operation manager the handlers need.
type Lifecycle interface {
	Create(ctx context.Context, spec manager.CreateSpec) (operation.Operation, error)
	Get(ctx context.Context, id string) (operation.Operation, error)
	ListActive(ctx context.Context) ([]operation.Operation, error)
	ListCompleted(ctx context.Context, window time.Duration) ([]operation.Operation, error)
	Pause(ctx context.Context, id string) (operation.Operation, error)
	Resume(ctx context.Context, id string) (operation.Operation, error)
	Cancel(ctx context.Context, id string) error
}

// IDLister builds an operation's work items when the caller omits them.
type IDLister interface {
	ListItemIDs(ctx context.Context, target operation.Target) ([]string, error)
}

type createOperationRequest struct {
	Kind      string        `json:"kind"`
	Target    targetPayload `json:"target"`
	WorkItems []string      `json:"work_items"`
	MaxItems  *int          `json:"max_items"`
	Meta      *metaPayload  `json:"meta"`
}

type targetPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

type metaPayload struct {
	InitiatedBy string            `json:"initiated_by,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Note        string            `json:"note,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type progressPayload struct {
	Current      int `json:"current"`
	Total        int `json:"total"`
	CurrentChunk int `json:"current_chunk"`
	TotalChunks  int `json:"total_chunks"`
}

// operationResponse is the wire form of an operation record. Work item
// ids are reported as a count; the full set can run to six figures and
// pollers never need it.
type operationResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Target        targetPayload   `json:"target"`
	Status        string          `json:"status"`
	Progress      progressPayload `json:"progress"`
	WorkItemCount int             `json:"work_item_count"`
	FailedIDs     []string        `json:"failed_ids,omitempty"`
	MaxItems      int             `json:"max_items,omitempty"`
	Message       string          `json:"message,omitempty"`
	Meta          *metaPayload    `json:"meta,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type operationListResponse struct {
	Operations []operationResponse `json:"operations"`
	Count      int                 `json:"count"`
}

func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	spec := manager.CreateSpec{
		Kind: operation.Kind(req.Kind),
		Target: operation.Target{
			ID:   req.Target.ID,
			Name: req.Target.Name,
			URL:  req.Target.URL,
		},
		WorkItems: req.WorkItems,
		MaxItems:  valueOrDefault(req.MaxItems, 0),
		Meta:      metaFromPayload(req.Meta),
	}
	if spec.Meta.RequestID == "" {
		spec.Meta.RequestID = requestIDFrom(r.Context())
	}

	// When the caller omits work items the server lists them from the
	// target. An invalid spec skips the listing and falls through so
	// Create reports the precise field.
	if len(spec.WorkItems) == 0 && spec.Kind.Valid() && spec.Target.ID != "" && spec.Target.URL != "" {
		ids, err := s.source.ListItemIDs(r.Context(), spec.Target)
		if err != nil {
			s.logger.Warn("work item listing failed",
				zap.String("target_id", spec.Target.ID),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		spec.WorkItems = ids
	}

	op, err := s.lifecycle.Create(r.Context(), spec)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, renderOperation(op))
}

func (s *Server) listActiveOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.lifecycle.ListActive(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderOperationList(ops))
}

func (s *Server) listCompletedOperations(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}
	ops, err := s.lifecycle.ListCompleted(r.Context(), window)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderOperationList(ops))
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.lifecycle.Get(r.Context(), chi.URLParam(r, "operation_id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderOperation(op))
}

func (s *Server) pauseOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.lifecycle.Pause(r.Context(), chi.URLParam(r, "operation_id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderOperation(op))
}

func (s *Server) resumeOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.lifecycle.Resume(r.Context(), chi.URLParam(r, "operation_id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderOperation(op))
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operation_id")
	if err := s.lifecycle.Cancel(r.Context(), id); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operation_id": id, "status": "cancelled"})
}

// errorStatus maps manager and store errors onto HTTP status codes.
func errorStatus(err error) int {
	var dup *operation.DuplicateError
	var trans *operation.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &dup), errors.As(err, &trans):
		return http.StatusConflict
	case errors.Is(err, manager.ErrInvalidSpec), errors.Is(err, operation.ErrUnknownKind):
		return http.StatusBadRequest
	case store.Unavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func renderOperation(op operation.Operation) operationResponse {
	return operationResponse{
		ID:   op.ID,
		Kind: string(op.Kind),
		Target: targetPayload{
			ID:   op.TargetID,
			Name: op.TargetName,
			URL:  op.TargetURL,
		},
		Status: string(op.Status),
		Progress: progressPayload{
			Current:      op.Progress.Current,
			Total:        op.Progress.Total,
			CurrentChunk: op.Progress.CurrentChunk,
			TotalChunks:  op.Progress.TotalChunks,
		},
		WorkItemCount: len(op.WorkItems),
		FailedIDs:     op.FailedIDs,
		MaxItems:      op.MaxItems,
		Message:       op.Message,
		Meta:          metaToPayload(op.Meta),
		StartedAt:     op.StartedAt,
		UpdatedAt:     op.UpdatedAt,
	}
}

func renderOperationList(ops []operation.Operation) operationListResponse {
	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, renderOperation(op))
	}
	return operationListResponse{Operations: out, Count: len(out)}
}

func metaFromPayload(p *metaPayload) operation.Meta {
	if p == nil {
		return operation.Meta{}
	}
	return operation.Meta{
		InitiatedBy: p.InitiatedBy,
		RequestID:   p.RequestID,
		Note:        p.Note,
		Extra:       p.Extra,
	}
}

func metaToPayload(m operation.Meta) *metaPayload {
	if m.InitiatedBy == "" && m.RequestID == "" && m.Note == "" && len(m.Extra) == 0 {
		return nil
	}
	return &metaPayload{
		InitiatedBy: m.InitiatedBy,
		RequestID:   m.RequestID,
		Note:        m.Note,
		Extra:       m.Extra,
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
