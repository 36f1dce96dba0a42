package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"signflow/document"
	"signflow/integrity"
	"signflow/ledger"
	"signflow/signer"
	"signflow/signing"
)

// signingService is the orchestrator surface the HTTP layer needs; an
// interface so handler tests can stub it.
type signingService interface {
	Start(ctx context.Context, params signing.StartParams) (signing.StartResult, error)
	Act(ctx context.Context, params signing.ActionParams) (signing.ActionResult, error)
	Detail(ctx context.Context, requirementID string) (signing.RequirementDetail, error)
	Events(ctx context.Context, requirementID string) ([]ledger.Event, error)
	Cancel(ctx context.Context, requirementID, actorID string) error
	Remind(ctx context.Context, requirementID string) (int, error)
	Reinvite(ctx context.Context, requirementID, signerID string) (signing.SignerStatus, error)
}

type Server struct {
	signingService signingService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/requirements", s.handleRequirements)
	mux.HandleFunc("/api/requirements/", s.handleRequirementDetail)
	mux.HandleFunc("/api/sign", s.handleExternalAction)
	return mux
}

type startRequest struct {
	DocumentID  string   `json:"documentId"`
	Internal    []string `json:"internalSigners"`
	External    []string `json:"externalSigners"`
	Quantity    int      `json:"quantity"`
	ExpiresAt   string   `json:"expiresAt"`
	ConsentText string   `json:"consentText"`
}

type signerResponse struct {
	SignerID string `json:"signerId"`
	Kind     string `json:"kind"`
	PartyRef string `json:"partyRef"`
	Status   string `json:"status"`
	SignedAt string `json:"signedAt,omitempty"`
}

type startResponse struct {
	RequirementID string           `json:"requirementId"`
	Status        string           `json:"status"`
	Signers       []signerResponse `json:"signers"`
}

type actionRequest struct {
	Token        string `json:"token"`
	Action       string `json:"action"`
	SignatureRef string `json:"signatureRef"`
	RejectReason string `json:"rejectReason"`
}

type actionResponse struct {
	SignerID          string `json:"signerId"`
	SignerStatus      string `json:"signerStatus"`
	RequirementStatus string `json:"requirementStatus"`
	Completed         bool   `json:"completed"`
}

type detailResponse struct {
	RequirementID   string           `json:"requirementId"`
	DocumentID      string           `json:"documentId"`
	Status          string           `json:"status"`
	Quantity        int              `json:"quantity"`
	ValidSignatures int              `json:"validSignatures"`
	CompletionPct   int              `json:"completionPct"`
	BaselineHash    string           `json:"baselineHash"`
	FinalHash       string           `json:"finalHash,omitempty"`
	ExpiresAt       string           `json:"expiresAt"`
	Signers         []signerResponse `json:"signers"`
}

type eventResponse struct {
	Seq       int64          `json:"seq"`
	SignerID  string         `json:"signerId,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

// handleRequirements serves POST /api/requirements.
func (s *Server) handleRequirements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, body.ExpiresAt)
	if err != nil {
		http.Error(w, "expiresAt must be RFC 3339", http.StatusBadRequest)
		return
	}

	res, err := s.signingService.Start(r.Context(), signing.StartParams{
		DocumentID:  body.DocumentID,
		Internal:    body.Internal,
		External:    body.External,
		Quantity:    body.Quantity,
		ExpiresAt:   expiresAt,
		ConsentText: body.ConsentText,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := startResponse{
		RequirementID: res.RequirementID,
		Status:        string(res.Status),
	}
	for _, st := range res.Signers {
		resp.Signers = append(resp.Signers, toSignerResponse(st))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleRequirementDetail serves /api/requirements/{id} plus its sub-resources:
// GET .../{id}, GET .../{id}/events, POST .../{id}/cancel, POST .../{id}/remind,
// POST .../{id}/actions, POST .../{id}/signers/{signerId}/reinvite.
func (s *Server) handleRequirementDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requirements/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "requirement id required", http.StatusBadRequest)
		return
	}
	requirementID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleDetail(w, r, requirementID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, requirementID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, requirementID)
	case len(parts) == 2 && parts[1] == "remind" && r.Method == http.MethodPost:
		s.handleRemind(w, r, requirementID)
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodPost:
		s.handleInternalAction(w, r, requirementID)
	case len(parts) == 4 && parts[1] == "signers" && parts[3] == "reinvite" && r.Method == http.MethodPost:
		s.handleReinvite(w, r, requirementID, parts[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, requirementID string) {
	detail, err := s.signingService.Detail(r.Context(), requirementID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := detailResponse{
		RequirementID:   detail.Requirement.ID,
		DocumentID:      detail.Requirement.DocumentID,
		Status:          string(detail.Requirement.Status),
		Quantity:        detail.Requirement.Quantity,
		ValidSignatures: detail.ValidSignatures,
		CompletionPct:   detail.CompletionPct,
		BaselineHash:    detail.BaselineHash,
		ExpiresAt:       detail.Requirement.ExpiresAt.Format(time.RFC3339),
	}
	if detail.FinalHash != nil {
		resp.FinalHash = *detail.FinalHash
	}
	for _, st := range detail.Signers {
		resp.Signers = append(resp.Signers, toSignerResponse(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, requirementID string) {
	events, err := s.signingService.Events(r.Context(), requirementID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		item := eventResponse{
			Seq:       e.Seq,
			Type:      string(e.Type),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
		if e.SignerID != nil {
			item.SignerID = *e.SignerID
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, requirementID string) {
	actorID := callerID(r)
	if actorID == "" {
		http.Error(w, "caller identity required", http.StatusUnauthorized)
		return
	}
	if err := s.signingService.Cancel(r.Context(), requirementID, actorID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(signing.StatusCancelled)})
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request, requirementID string) {
	reminded, err := s.signingService.Remind(r.Context(), requirementID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reminded": reminded})
}

func (s *Server) handleReinvite(w http.ResponseWriter, r *http.Request, requirementID, signerID string) {
	st, err := s.signingService.Reinvite(r.Context(), requirementID, signerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSignerResponse(st))
}

// handleInternalAction serves authenticated users acting on their own signer
// record. The caller identity comes from the auth layer in front of this
// service.
func (s *Server) handleInternalAction(w http.ResponseWriter, r *http.Request, requirementID string) {
	userID := callerID(r)
	if userID == "" {
		http.Error(w, "caller identity required", http.StatusUnauthorized)
		return
	}

	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	res, err := s.signingService.Act(r.Context(), signing.ActionParams{
		InternalUserID: userID,
		RequirementID:  requirementID,
		Action:         signing.Action(body.Action),
		SignatureRef:   body.SignatureRef,
		RejectReason:   body.RejectReason,
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

// handleExternalAction serves POST /api/sign: the tokenized link an external
// signer lands on. No session; the bearer token is the whole credential.
func (s *Server) handleExternalAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	res, err := s.signingService.Act(r.Context(), signing.ActionParams{
		Token:        body.Token,
		Action:       signing.Action(body.Action),
		SignatureRef: body.SignatureRef,
		RejectReason: body.RejectReason,
		ClientIP:     clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

func toSignerResponse(st signing.SignerStatus) signerResponse {
	resp := signerResponse{
		SignerID: st.SignerID,
		Kind:     string(st.Identity.Kind),
		PartyRef: st.Identity.Ref,
		Status:   string(st.Status),
	}
	if st.SignedAt != nil {
		resp.SignedAt = st.SignedAt.Format(time.RFC3339)
	}
	return resp
}

func toActionResponse(res signing.ActionResult) actionResponse {
	return actionResponse{
		SignerID:          res.SignerID,
		SignerStatus:      string(res.SignerStatus),
		RequirementStatus: string(res.RequirementStatus),
		Completed:         res.Completed,
	}
}

// callerID returns the authenticated user id injected by the gateway in front
// of this service.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeDomainError maps service sentinels onto HTTP statuses. External signers
// get a deliberately flat 401 for every credential problem.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signing.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, signing.ErrUnauthorized):
		http.Error(w, "link invalid or expired", http.StatusUnauthorized)
	case errors.Is(err, signing.ErrRequirementNotFound),
		errors.Is(err, signer.ErrSignerNotFound),
		errors.Is(err, document.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, signing.ErrAlreadyTerminal),
		errors.Is(err, signing.ErrInvalidTransition),
		errors.Is(err, signer.ErrInvalidTransition),
		errors.Is(err, signer.ErrDuplicateSigner),
		errors.Is(err, integrity.ErrDocumentTampered):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("api: internal error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
