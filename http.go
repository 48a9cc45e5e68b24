package fieldsync

import (
	"encoding/json"
	"net/http"
)

const maxBodySize = 1 << 20

type prepareRequest struct {
	ScopeID   string `json:"scope_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type syncRunResponse struct {
	Summary *SyncSummary `json:"summary,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type statusResponse struct {
	State        ConnState       `json:"state"`
	Busy         bool            `json:"busy"`
	PendingCount int             `json:"pending_count"`
	Windows      int             `json:"windows"`
	Progress     PrepareProgress `json:"progress"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterHTTPHandlers exposes the engine's status and control surface on a
// standard mux. The endpoints are what a device-local diagnostics UI or a
// companion process consumes.
func (e *Engine) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		count, err := e.queue.Count(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			State:        e.monitor.State(),
			Busy:         e.syncer.Busy(),
			PendingCount: count,
			Windows:      len(e.preparer.ActiveWindows()),
			Progress:     e.preparer.Progress(),
		})
	})

	mux.HandleFunc("/api/v1/sync/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		summary, err := e.Sync(r.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if err == ErrSyncInProgress {
				status = http.StatusConflict
			}
			writeJSON(w, status, syncRunResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, syncRunResponse{Summary: summary})
	})

	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, e.Stats(r.Context()))
	})

	mux.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		pending, err := e.queue.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	})

	mux.HandleFunc("/api/v1/prepare", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			var req prepareRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			window, err := e.PrepareWindow(r.Context(), req.ScopeID, req.StartDate, req.EndDate)
			if err != nil {
				status := http.StatusBadRequest
				if err == ErrSyncInProgress {
					status = http.StatusConflict
				}
				http.Error(w, err.Error(), status)
				return
			}
			writeJSON(w, http.StatusCreated, window)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, e.preparer.ActiveWindows())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/prepare/progress", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, e.preparer.Progress())
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/v1/events", e.StatusStreamHandler())
}
