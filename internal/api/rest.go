package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// IdentityHeader carries the caller on the HTTP shim, mirroring the gRPC
// metadata key.
const IdentityHeader = "X-Fab-User"

// NewHTTPHandler serves the read-only shim: a liveness probe and the
// disclose-filtered resource listing. Mutations go through gRPC.
func NewHTTPHandler(core Core, log *zap.Logger) http.Handler {
	log = log.Named("http")
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})

	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}
		user := r.Header.Get(IdentityHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+IdentityHeader+" header")
			return
		}
		infos := core.List(r.Context(), user)
		writeJSON(w, log, ListReply{Resources: infos})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
