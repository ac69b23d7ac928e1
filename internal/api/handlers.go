package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedcat/internal/curation"
	"github.com/sells-group/feedcat/internal/model"
)

// SnapshotStore is the slice of the store the API needs.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	PutCurations(ctx context.Context, overlays []model.CurationOverlay) error
}

// Handler holds API route handlers.
type Handler struct {
	store   SnapshotStore
	curator *curation.Curator
	// mu serializes read-modify-write cycles on the snapshot.
	mu sync.Mutex
}

// NewHandler creates a new Handler.
func NewHandler(st SnapshotStore, curator *curation.Curator) *Handler {
	return &Handler{store: st, curator: curator}
}

// RecordList is the body of GET /records.
type RecordList struct {
	Total   int                     `json:"total"`
	Records []model.CanonicalRecord `json:"records"`
}

// ActionResult is the body of a successful POST /records/actions.
type ActionResult struct {
	Applied int                     `json:"applied"`
	Records []model.CanonicalRecord `json:"records"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListRecords handles GET /records. Query parameters: q (substring of ID,
// title or URL), tag, hidden (include hidden records), limit, offset.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query, tag := q.Get("q"), q.Get("tag")
	includeHidden, _ := strconv.ParseBool(q.Get("hidden"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	out := RecordList{Records: []model.CanonicalRecord{}}
	for i := range snap.Records {
		rec := &snap.Records[i]
		if rec.Hidden && !includeHidden {
			continue
		}
		if tag != "" && !rec.HasTag(tag) {
			continue
		}
		if query != "" && !rec.Matches(query) {
			continue
		}
		out.Records = append(out.Records, *rec)
	}
	out.Total = len(out.Records)

	if offset > 0 {
		out.Records = out.Records[min(offset, len(out.Records)):]
	}
	if limit > 0 && limit < len(out.Records) {
		out.Records = out.Records[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRecord handles GET /records/one?id=.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	rec := snap.Find(id)
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorBody("record not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Tree handles GET /tree.
func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	if snap.Tree == nil {
		writeJSON(w, http.StatusOK, &model.CategoryTree{})
		return
	}
	writeJSON(w, http.StatusOK, snap.Tree)
}

// ApplyActions handles POST /records/actions. The body is one action or an
// array of actions; they are applied together or not at all.
func (h *Handler) ApplyActions(w http.ResponseWriter, r *http.Request) {
	actions, err := decodeActions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if len(actions) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("no actions"))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	if err := h.curator.Apply(snap, actions...); err != nil {
		switch {
		case eris.Is(err, curation.ErrRecordNotFound):
			writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		case eris.Is(err, curation.ErrInvalidAction):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	if err := h.store.PutCurations(r.Context(), curation.Overlays(snap, actions, time.Now().UTC())); err != nil {
		zap.L().Error("api: save curations failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if err := h.store.SaveSnapshot(r.Context(), snap); err != nil {
		zap.L().Error("api: save snapshot failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	ids := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		ids[a.RecordID] = struct{}{}
	}
	res := ActionResult{Applied: len(actions)}
	for id := range ids {
		res.Records = append(res.Records, *snap.Find(id))
	}
	sort.Slice(res.Records, func(i, j int) bool { return res.Records[i].ID < res.Records[j].ID })
	writeJSON(w, http.StatusOK, res)
}

func decodeActions(r *http.Request) ([]model.CurationAction, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, eris.New("invalid request body")
	}
	var actions []model.CurationAction
	if err := json.Unmarshal(raw, &actions); err == nil {
		return actions, nil
	}
	var one model.CurationAction
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, eris.New("invalid request body")
	}
	return []model.CurationAction{one}, nil
}

// snapshot loads the current snapshot, writing an error response when
// there is none.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) (*model.Snapshot, bool) {
	snap, err := h.store.LoadSnapshot(r.Context())
	if err != nil {
		zap.L().Error("api: load snapshot failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return nil, false
	}
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("no snapshot yet; run the pipeline first"))
		return nil, false
	}
	return snap, true
}
