// Package api is the HTTP façade: a go-chi router exposing submission,
// status, artifact, and sandbox-catalog endpoints under /api, wrapped in
// the uniform {error, data} envelope (§6, grounded on the reference
// implementation's ApiResponse<D>).
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kunai-project/orchestrator/internal/orchestrator"
	"github.com/kunai-project/orchestrator/internal/safeguard"
	"github.com/kunai-project/orchestrator/internal/sandbox"
	"github.com/kunai-project/orchestrator/internal/store"
)

// envelope is the uniform response body for every endpoint: exactly one of
// Error and Data is non-nil.
type envelope struct {
	Error *string `json:"error"`
	Data  any     `json:"data"`
}

// NewRouter builds the chi.Router for the orchestrator façade, wiring the
// same RequestID/Logger/Recoverer middleware chain the rest of the pack
// applies to every HTTP service.
func NewRouter(o *orchestrator.Orchestrator, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogLogger(logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", handleAnalyze(o))
		r.Post("/analyze/again/{uuid}", handleAnalyzeAgain(o))
		r.Get("/analyses", handleSearch(o))
		r.Get("/sandboxes", handleSandboxes(o))

		r.Route("/analysis/{uuid}", func(r chi.Router) {
			r.Get("/status", handleStatus(o))
			r.Get("/metadata", handleArtifact(o, artifactMetadata))
			r.Get("/sandbox", handleArtifact(o, artifactSandbox))
			r.Get("/pcap", handleArtifact(o, artifactPcap))
			r.Get("/logs", handleLogs(o))
			r.Get("/graph", handleArtifact(o, artifactGraph))
			r.Get("/misp", handleArtifact(o, artifactMisp))
		})
	})

	return r
}

// slogLogger is a request-logging middleware that logs through the
// configured slog.Logger instead of the stdlib logger middleware.Logger uses.
func slogLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "bytes", ww.BytesWritten())
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &msg})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrUnknown):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// maxFormFieldBytes bounds the in-memory "sandbox" and "name" multipart
// fields; the sample body itself is streamed, never buffered.
const maxFormFieldBytes = 4096

func handleAnalyze(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var (
			body           io.Reader
			sandboxName    string
			submissionName *string
		)
	parts:
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			switch part.FormName() {
			case "file":
				// NextPart would drain this part, so stop reading here and
				// stream it to Ingest. Parts after the file part are not read.
				body = part
				break parts
			case "sandbox":
				v, err := safeguard.LimitedReadAll(part, maxFormFieldBytes)
				if err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				sandboxName = string(v)
			case "name":
				v, err := safeguard.LimitedReadAll(part, maxFormFieldBytes)
				if err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				s := string(v)
				submissionName = &s
			}
		}
		if body == nil {
			writeError(w, http.StatusBadRequest, errors.New("api: missing file part"))
			return
		}

		res, err := o.Ingest(body, sandboxName, submissionName, clientIP(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"analysis_uuid": res.AnalysisUUID,
			"sample_uuid":   res.SampleUUID,
		})
	}
}

func handleAnalyzeAgain(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid, err := uuidParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		override := r.URL.Query().Get("sandbox")

		newUUID, err := o.Rerun(uuid, override)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"analysis_uuid": newUUID})
	}
}

func handleSearch(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		results, err := o.Search(limit, offset, q.Get("hash"), q.Get("status"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleSandboxes(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, o.Catalog().List())
	}
}

func handleStatus(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid, err := uuidParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		status, err := o.Status(uuid)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

type artifactKind int

const (
	artifactMetadata artifactKind = iota
	artifactSandbox
	artifactPcap
	artifactGraph
	artifactMisp
)

// handleArtifact serves a single artifact file belonging to an analysis, or
// a 404 envelope if the analysis or the file does not exist yet.
func handleArtifact(o *orchestrator.Orchestrator, kind artifactKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid, err := uuidParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := o.Get(uuid); err != nil {
			writeError(w, statusForError(err), err)
			return
		}

		artifacts := o.Artifacts()
		var path string
		switch kind {
		case artifactMetadata:
			path = artifacts.MetadataJSON(uuid)
		case artifactSandbox:
			path = artifacts.SandboxJSON(uuid)
		case artifactPcap:
			path = artifacts.PcapFile(uuid)
		case artifactGraph:
			path = artifacts.GraphFile(uuid)
		case artifactMisp:
			path = artifacts.MISPEventFile(uuid)
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, errors.New("api: artifact not found"))
			return
		}
		http.ServeFile(w, r, path)
	}
}

// handleLogs concatenates sandbox.stdout and sandbox.stderr, the executor's
// captured streams (§6).
func handleLogs(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid, err := uuidParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := o.Get(uuid); err != nil {
			writeError(w, statusForError(err), err)
			return
		}

		artifacts := o.Artifacts()
		stdout, errOut := readAllowMissing(artifacts.Stdout(uuid))
		stderr, errErr := readAllowMissing(artifacts.Stderr(uuid))
		if errOut != nil {
			writeError(w, http.StatusInternalServerError, errOut)
			return
		}
		if errErr != nil {
			writeError(w, http.StatusInternalServerError, errErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"stdout": stdout, "stderr": stderr})
	}
}

// readAllowMissing returns the empty string for a not-yet-written stream
// file — an in-flight or just-admitted analysis has no logs yet.
func readAllowMissing(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// uuidParam extracts and validates the {uuid} path parameter. analysis_uuid
// flows straight into artifact file paths (metadata.json, sandbox.stdout,
// ...), so it is validated as an identifier before any store or filesystem
// lookup touches it.
func uuidParam(r *http.Request) (string, error) {
	uuid := chi.URLParam(r, "uuid")
	if err := safeguard.ValidateIdentifier(uuid); err != nil {
		return "", err
	}
	return uuid, nil
}

// clientIP takes the first hop of X-Forwarded-For, matching the reference
// implementation's forwarded_for.split(',').next().
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
