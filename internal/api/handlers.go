package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/ScanPipe/internal/messaging"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// twilioSignatureHeader carries the HMAC Twilio computes over the webhook URL and form.
const twilioSignatureHeader = "X-Twilio-Signature"

// inboundResponse is the result body of a handled webhook.
type inboundResponse struct {
	PatientID string       `json:"patient_id"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Dropped   bool         `json:"dropped,omitempty"`
	Replies   []string     `json:"replies,omitempty"`
	Stage     models.Stage `json:"stage,omitempty"`
	Concluded bool         `json:"concluded,omitempty"`
	Fallback  bool         `json:"fallback,omitempty"`
}

func newInboundResponse(out inboundOutcome) inboundResponse {
	return inboundResponse{
		PatientID: out.PatientID,
		Duplicate: out.Result.Duplicate,
		Dropped:   out.Result.Dropped,
		Replies:   out.Result.Replies,
		Stage:     out.Result.Stage,
		Concluded: out.Result.Concluded,
		Fallback:  out.Result.Fallback,
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "scanpipe"}))
}

// remindHandler handles POST /remind and sends the opening reminder.
func (s *Server) remindHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.remindHandler: processing reminder request")
	var req models.ReminderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.remindHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.remindHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	patientID, err := messaging.CanonicalizePhone(req.Phone)
	if err != nil {
		slog.Warn("Server.remindHandler: invalid phone", "phone", req.Phone, "error", err)
		writeError(w, err)
		return
	}

	rec, err := s.orchestrator.Initiate(r.Context(), patientID, req.Name)
	if err != nil {
		slog.Error("Server.remindHandler: initiate failed", "patient_id", patientID, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.remindHandler: reminder sent", "patient_id", patientID, "conversation_id", rec.ConversationID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reminder sent", rec))
}

// webhookHandler handles POST /webhook with a JSON inbound event.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	var evt models.InboundEvent
	if err := decodeJSON(w, r, &evt); err != nil {
		slog.Warn("Server.webhookHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !evt.IsInboundMessage() {
		slog.Debug("Server.webhookHandler: acknowledging non-message event", "event", evt.Event)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event ignored", nil))
		return
	}
	s.handleInbound(w, r, evt)
}

// twilioWebhookHandler handles POST /webhook/twilio with Twilio's form-encoded payload.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	if s.cfg.SignatureValidator != nil {
		url := s.webhookURL(r)
		if !s.cfg.SignatureValidator.Validate(url, params, r.Header.Get(twilioSignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: signature mismatch", "url", url, "message_sid", params["MessageSid"])
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}

	evt := models.InboundEvent{
		ID:    params["MessageSid"],
		Event: models.InboundEventType,
		From:  params["From"],
		Text:  params["Body"],
	}
	if err := evt.Validate(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: validation failed", "message_sid", evt.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	out, err := s.processInbound(r.Context(), evt)
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: inbound message failed", "message_sid", evt.ID, "error", err)
		writeError(w, err)
		return
	}
	slog.Debug("Server.twilioWebhookHandler: handled", "patient_id", out.PatientID, "stage", out.Result.Stage)
	writeTwiML(w)
}

// webhookURL is the URL Twilio signed: the configured public URL, or the request's own.
func (s *Server) webhookURL(r *http.Request) string {
	if s.cfg.PublicWebhookURL != "" {
		return s.cfg.PublicWebhookURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// handleInbound validates a JSON inbound event and writes the outcome.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request, evt models.InboundEvent) {
	if err := evt.Validate(); err != nil {
		slog.Warn("Server.handleInbound: validation failed", "from", evt.From, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	out, err := s.processInbound(r.Context(), evt)
	if err != nil {
		slog.Error("Server.handleInbound: inbound message failed", "from", evt.From, "message_id", evt.ID, "error", err)
		writeError(w, err)
		return
	}
	message := "Message processed"
	switch {
	case out.Result.Duplicate:
		message = "Duplicate message ignored"
	case out.Result.Dropped:
		message = "No active conversation"
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(message, newInboundResponse(out)))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.orchestrator.Conversations(r.Context())
	if err != nil {
		slog.Error("Server.listConversationsHandler: list failed", "error", err)
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.ConversationRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

// patientFromPath canonicalizes the {phone} URL parameter.
func patientFromPath(r *http.Request) (string, error) {
	return messaging.CanonicalizePhone(chi.URLParam(r, "phone"))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	patientID, err := patientFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.orchestrator.Conversation(r.Context(), patientID)
	if err != nil {
		slog.Error("Server.getConversationHandler: lookup failed", "patient_id", patientID, "error", err)
		writeError(w, err)
		return
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

func (s *Server) cancelConversationHandler(w http.ResponseWriter, r *http.Request) {
	patientID, err := patientFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	removed, err := s.orchestrator.Cancel(r.Context(), patientID)
	if err != nil {
		slog.Error("Server.cancelConversationHandler: cancel failed", "patient_id", patientID, "error", err)
		writeError(w, err)
		return
	}
	if !removed {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation cancelled", nil))
}

