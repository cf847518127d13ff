// Package testutil provides HTTP and store assertions shared by ScanPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/store"
)

// CreateJSONRequest builds a request with a raw JSON body.
func CreateJSONRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// CreateFormRequest builds a form-encoded POST, the shape Twilio webhooks use.
func CreateFormRequest(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the JSON envelope written by the API.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

// AssertJSONStatus decodes the envelope and checks its status field.
func AssertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, expected models.APIStatus) models.APIResponse {
	t.Helper()
	resp := DecodeAPIResponse(t, rr)
	if resp.Status != string(expected) {
		t.Errorf("expected JSON status %q, got %q (message %q)", expected, resp.Status, resp.Message)
	}
	return resp
}

// StageOf returns the stored stage for patientID, or "" when no conversation is active.
func StageOf(t *testing.T, st store.ConversationStore, patientID string) models.Stage {
	t.Helper()
	rec, err := st.GetConversation(context.Background(), patientID)
	if err != nil {
		t.Fatalf("GetConversation(%s) failed: %v", patientID, err)
	}
	if rec == nil {
		return ""
	}
	return rec.Stage
}

// AssertStage fails the test unless patientID is at want. Use "" to assert no record.
func AssertStage(t *testing.T, st store.ConversationStore, patientID string, want models.Stage) {
	t.Helper()
	if got := StageOf(t, st, patientID); got != want {
		if want == "" {
			t.Errorf("expected no conversation for %s, found stage %s", patientID, got)
			return
		}
		t.Errorf("expected %s at stage %s, got %q", patientID, want, got)
	}
}

// SeedConversation stores a record at the given stage.
func SeedConversation(t *testing.T, st store.ConversationStore, patientID string, stage models.Stage) models.ConversationRecord {
	t.Helper()
	rec := models.ConversationRecord{
		PatientID:      patientID,
		ConversationID: "conv-" + strings.TrimPrefix(patientID, "+"),
		Stage:          stage,
	}
	if err := st.SaveConversation(context.Background(), rec); err != nil {
		t.Fatalf("SaveConversation(%s) failed: %v", patientID, err)
	}
	return rec
}
