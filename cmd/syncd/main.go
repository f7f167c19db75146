// syncd is a small development backend for the agent: it accepts session
// uploads, deduplicates them by session ID, and answers version checks. State
// is in-memory only.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/syncer"
)

type sessionSink struct {
	mu       sync.Mutex
	sessions map[string]syncer.SessionUpload
}

// add stores new sessions and reports how many were new vs duplicates
func (s *sessionSink) add(uploads []syncer.SessionUpload) (synced, duplicates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range uploads {
		if _, ok := s.sessions[u.SessionID]; ok {
			duplicates++
			continue
		}
		s.sessions[u.SessionID] = u
		synced++
	}
	return synced, duplicates
}

func (s *sessionSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type server struct {
	sink       *sessionSink
	token      string
	minVersion string
	log        *logging.Logger
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	token := flag.String("token", os.Getenv("SYNCD_TOKEN"), "required bearer token, empty disables auth")
	minVersion := flag.String("min-version", "", "oldest client version still accepted, empty accepts all")
	flag.Parse()

	log, err := logging.NewLogger("info", "console")
	if err != nil {
		os.Exit(1)
	}

	srv := &server{
		sink:       &sessionSink{sessions: make(map[string]syncer.SessionUpload)},
		token:      *token,
		minVersion: *minVersion,
		log:        log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/v1/extension", func(r chi.Router) {
		r.Post("/sync", srv.handleSync)
		r.Get("/version", srv.handleVersion)
	})

	log.Info("syncd listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, syncer.SyncResponse{Message: "invalid token"})
		return
	}

	var req syncer.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, syncer.SyncResponse{Message: "malformed request body"})
		return
	}

	synced, duplicates := s.sink.add(req.Sessions)
	s.log.Info("sync batch accepted",
		zap.Int("synced", synced),
		zap.Int("duplicates", duplicates),
		zap.Int("total_stored", s.sink.count()),
		zap.String("client_version", r.Header.Get("X-Client-Version")))

	writeJSON(w, http.StatusOK, syncer.SyncResponse{
		Success:     true,
		SyncedCount: synced,
		Message:     "ok",
	})
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	clientVersion := r.Header.Get("X-Client-Version")
	resp := syncer.VersionResponse{Compatible: true}

	if s.minVersion != "" && versionLess(clientVersion, s.minVersion) {
		resp = syncer.VersionResponse{
			Compatible:      false,
			UpgradeRequired: true,
			Message:         "client version no longer supported",
			LatestVersion:   s.minVersion,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.token
}

// versionLess compares dotted version strings component-wise
func versionLess(a, b string) bool {
	if a == "" {
		return true
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			return len(as[i]) < len(bs[i]) || (len(as[i]) == len(bs[i]) && as[i] < bs[i])
		}
	}
	return len(as) < len(bs)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
