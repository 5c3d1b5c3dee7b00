package handler

import "net/http"

// corsMiddleware sets CORS headers for all responses
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Device-ID, Idempotency-Key")

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Routes wires the outbox API onto a new mux
func Routes(h *OutboxHandler, events *EventsHandler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/uploads", corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.EnqueueUpload(w, r)
		} else if r.Method == http.MethodGet {
			h.ListUploads(w, r)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/requests", corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.DispatchRequest(w, r)
		} else if r.Method == http.MethodGet {
			h.ListRequests(w, r)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/records/", corsMiddleware(h.DeleteRecord))
	mux.HandleFunc("/status", corsMiddleware(h.GetStatus))
	mux.HandleFunc("/reauth/reset", corsMiddleware(h.ResetReauthorization))
	mux.HandleFunc("/sweep", corsMiddleware(h.Sweep))
	mux.HandleFunc("/metrics", corsMiddleware(h.GetMetrics))

	if events != nil {
		mux.HandleFunc("/events", events.Stream)
	}

	return mux
}
