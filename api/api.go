package api

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/stefandanzl/spotify-saver/job"
	"github.com/stefandanzl/spotify-saver/storage"
)

// idBytes is the entropy of generated job IDs before base64 encoding.
const idBytes = 8

// Dispatcher accepts accepted jobs for asynchronous execution.
type Dispatcher interface {
	Enqueue(j job.Job)
}

// API exposes the download submission and status endpoints over HTTP.
type API struct {
	Server     *http.Server
	Storage    storage.Store
	Dispatcher Dispatcher
	Log        *log.Logger

	router *mux.Router
	idgen  *rng
}

// New initializes the API routes. The caller starts the embedded Server.
func New(s storage.Store, d Dispatcher, host string, port int, logger *log.Logger) *API {
	as := &API{
		Storage:    s,
		Dispatcher: d,
		Log:        logger,
		idgen: newRNG(idBytes, rand.NewSource(time.Now().UnixNano()),
			base64.RawURLEncoding),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/download", as.handleSubmit).Methods("POST")
	r.HandleFunc("/api/status/{id}", as.handleStatus).Methods("GET")
	r.HandleFunc("/api/health", as.handleHealth).Methods("GET")
	as.router = r

	c := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	as.Server = &http.Server{
		Handler: c.Handler(r),
		Addr:    host + ":" + strconv.Itoa(port),
	}
	return as
}

func (as *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	as.router.ServeHTTP(w, r)
}

// handleSubmit validates a download request, persists a new queued job
// and hands it to the dispatcher.
func (as *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req job.Request
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		as.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := job.New(as.idgen.rand(), req)
	err = as.Storage.CreateJob(j)
	if err != nil {
		as.Log.Printf("submit: Error storing job %s: %s", &j, err)
		as.writeError(w, http.StatusInternalServerError, "Error queuing download")
		return
	}

	as.Dispatcher.Enqueue(j)
	as.writeJSON(w, http.StatusCreated, map[string]string{"id": j.ID})
}

// handleStatus reports a read-only snapshot of the job's current state.
func (as *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	j, err := as.Storage.GetJob(id)
	if err == storage.ErrNotFound {
		as.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		as.Log.Printf("status: Error fetching job %s: %s", id, err)
		as.writeError(w, http.StatusInternalServerError, "Error fetching job")
		return
	}

	as.writeJSON(w, http.StatusOK, j.Status())
}

func (as *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	as.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (as *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		as.Log.Println("Error writing response:", err)
	}
}

func (as *API) writeError(w http.ResponseWriter, code int, msg string) {
	as.writeJSON(w, code, map[string]string{"error": msg})
}
