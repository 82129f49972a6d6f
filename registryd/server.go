package registryd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	didvcr "github.com/did-vc-registry/go-didvcr"
)

// RegistryView is the wire shape of a registry pair: ledger instances are
// exposed as handles, never as objects.
type RegistryView struct {
	Name      string `json:"name"`
	DIDLedger string `json:"didLedger"`
	VCLedger  string `json:"vcLedger"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

// Server exposes the registry directory over HTTP: read endpoints are open,
// mutating endpoints authenticate the caller with a bearer token and pass
// the subject straight into the engine as the caller identity.
type Server struct {
	dir      *didvcr.Directory
	journal  *Journal
	firehose *Firehose
	secret   []byte
	addr     string
	logger   *slog.Logger
}

func NewServer(dir *didvcr.Directory, journal *Journal, firehose *Firehose, secret []byte, addr string, logger *slog.Logger) *Server {
	return &Server{
		dir:      dir,
		journal:  journal,
		firehose: firehose,
		secret:   secret,
		addr:     addr,
		logger:   logger.With("component", "server"),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	mux.HandleFunc("GET /registries", s.handleListRegistries)
	mux.HandleFunc("POST /registries", s.handleCreateRegistry)
	mux.HandleFunc("GET /registries/{name}", s.handleGetRegistry)
	mux.HandleFunc("POST /registries/{name}/deactivate", s.handleDeactivateRegistry)
	mux.HandleFunc("POST /registries/{name}/reactivate", s.handleReactivateRegistry)

	mux.HandleFunc("GET /registries/{name}/dids", s.handleDIDsByOwner)
	mux.HandleFunc("POST /registries/{name}/dids", s.handleCreateDID)
	mux.HandleFunc("GET /registries/{name}/dids/{did}", s.handleGetDID)
	mux.HandleFunc("POST /registries/{name}/dids/{did}/document", s.handleUpdateDID)
	mux.HandleFunc("POST /registries/{name}/dids/{did}/transfer", s.handleTransferDID)
	mux.HandleFunc("POST /registries/{name}/dids/{did}/deactivate", s.handleDeactivateDID)

	mux.HandleFunc("GET /registries/{name}/vcs", s.handleVCsByParty)
	mux.HandleFunc("POST /registries/{name}/vcs", s.handleIssueVC)
	mux.HandleFunc("GET /registries/{name}/vcs/{vcid}", s.handleGetVC)
	mux.HandleFunc("POST /registries/{name}/vcs/{vcid}/credential", s.handleUpdateVC)
	mux.HandleFunc("POST /registries/{name}/vcs/{vcid}/revoke", s.handleRevokeVC)

	mux.HandleFunc("GET /export", s.handleExport)
	mux.Handle("GET /export/stream", s.firehose)

	return otelhttp.NewHandler(mux, "")
}

// Run starts the HTTP server (blocking).
func (s *Server) Run() error {
	s.logger.Info("http server listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello did/vc registry\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": versioninfo.Short(),
	})
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
	}
}

// errStatus maps the engine error taxonomy onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, didvcr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, didvcr.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, didvcr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, didvcr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, didvcr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, didvcr.ErrFailedPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, didvcr.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, didvcr.ErrReentrant):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// caller authenticates the request; a failure has already been written.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, err := callerFromRequest(r, s.secret)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}

// pair resolves the {name} path segment; a failure has already been written.
func (s *Server) pair(w http.ResponseWriter, r *http.Request) (didvcr.RegistryPair, bool) {
	name := r.PathValue("name")
	pair, err := s.dir.GetRegistry(name)
	if err != nil {
		writeJSONError(w, err.Error(), errStatus(err))
		return didvcr.RegistryPair{}, false
	}
	return pair, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// finishMutation records the outcome and writes the response for a
// state-transition attempt.
func (s *Server) finishMutation(w http.ResponseWriter, r *http.Request, op string, err error) {
	if err != nil {
		MutationsCounter.Add(r.Context(), 1, metricOpts(op, OutcomeError)...)
		writeJSONError(w, err.Error(), errStatus(err))
		return
	}
	MutationsCounter.Add(r.Context(), 1, metricOpts(op, OutcomeOK)...)
	writeJSON(w, map[string]string{"status": "ok"})
}

func registryView(pair didvcr.RegistryPair) RegistryView {
	return RegistryView{
		Name:      pair.Name,
		DIDLedger: pair.DIDLedger.Handle(),
		VCLedger:  pair.VCLedger.Handle(),
		Active:    pair.Active,
		CreatedAt: pair.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleListRegistries(w http.ResponseWriter, r *http.Request) {
	names := s.dir.GetAllRegistryNames()
	views := make([]RegistryView, 0, len(names))
	for _, name := range names {
		pair, err := s.dir.GetRegistry(name)
		if err != nil {
			continue
		}
		views = append(views, registryView(pair))
	}
	writeJSON(w, views)
}

func (s *Server) handleCreateRegistry(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	pair, err := s.dir.CreateRegistry(req.Name, caller)
	if err != nil {
		MutationsCounter.Add(r.Context(), 1, metricOpts("createRegistry", OutcomeError)...)
		writeJSONError(w, err.Error(), errStatus(err))
		return
	}
	MutationsCounter.Add(r.Context(), 1, metricOpts("createRegistry", OutcomeOK)...)
	writeJSON(w, registryView(*pair))
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	writeJSON(w, registryView(pair))
}

func (s *Server) handleDeactivateRegistry(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	s.finishMutation(w, r, "deactivateRegistry", s.dir.DeactivateRegistry(r.PathValue("name"), caller))
}

func (s *Server) handleReactivateRegistry(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	s.finishMutation(w, r, "reactivateRegistry", s.dir.ReactivateRegistry(r.PathValue("name"), caller))
}

func (s *Server) handleCreateDID(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	var req struct {
		DID      string `json:"did"`
		Document string `json:"document"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.finishMutation(w, r, "createDID", pair.DIDLedger.CreateDID(req.DID, req.Document, caller))
}

func (s *Server) handleGetDID(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	rec, err := pair.DIDLedger.GetDID(r.PathValue("did"))
	if err != nil {
		writeJSONError(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleDIDsByOwner(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeJSONError(w, "owner query parameter is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, pair.DIDLedger.GetDIDsByOwner(owner))
}

func (s *Server) handleUpdateDID(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	var req struct {
		Document string `json:"document"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.finishMutation(w, r, "updateDID", pair.DIDLedger.UpdateDID(r.PathValue("did"), req.Document, caller))
}

func (s *Server) handleTransferDID(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	var req struct {
		NewOwner string `json:"newOwner"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.finishMutation(w, r, "transferDIDOwnership",
		pair.DIDLedger.TransferDIDOwnership(r.PathValue("did"), req.NewOwner, caller))
}

func (s *Server) handleDeactivateDID(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	s.finishMutation(w, r, "deactivateDID", pair.DIDLedger.DeactivateDID(r.PathValue("did"), caller))
}

func (s *Server) handleIssueVC(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	var req struct {
		VCID       string `json:"vcId"`
		Holder     string `json:"holder"`
		Credential string `json:"credential"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.finishMutation(w, r, "issueVC", pair.VCLedger.IssueVC(req.VCID, req.Holder, req.Credential, caller))
}

func (s *Server) handleGetVC(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	rec, err := pair.VCLedger.GetVC(r.PathValue("vcid"))
	if err != nil {
		writeJSONError(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleVCsByParty(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	issuer := r.URL.Query().Get("issuer")
	holder := r.URL.Query().Get("holder")
	switch {
	case issuer != "" && holder == "":
		writeJSON(w, pair.VCLedger.GetVCsByIssuer(issuer))
	case holder != "" && issuer == "":
		writeJSON(w, pair.VCLedger.GetVCsByHolder(holder))
	default:
		writeJSONError(w, "exactly one of issuer or holder query parameters is required", http.StatusBadRequest)
	}
}

func (s *Server) handleUpdateVC(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	var req struct {
		Credential string `json:"credential"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.finishMutation(w, r, "updateVC", pair.VCLedger.UpdateVC(r.PathValue("vcid"), req.Credential, caller))
}

func (s *Server) handleRevokeVC(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	pair, ok := s.pair(w, r)
	if !ok {
		return
	}
	s.finishMutation(w, r, "revokeVC", pair.VCLedger.RevokeVC(r.PathValue("vcid"), caller))
}

// handleExport serves the paginated journal feed as JSON lines.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	limit := exportPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	entries, err := s.journal.Export(r.Context(), after, limit)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching export page: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/jsonlines")
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return
		}
	}
}
