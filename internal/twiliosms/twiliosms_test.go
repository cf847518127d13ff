package twiliosms

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"sort"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "+15551234567", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" || sent[0].To != "+15551234567" {
		t.Errorf("unexpected message: %+v", sent[0])
	}
}

func TestMockClient_Failure(t *testing.T) {
	mock := NewMockClient()
	boom := errors.New("provider down")
	mock.SetErr(boom)
	if err := mock.SendMessage(context.Background(), "+15551234567", "hi"); !errors.Is(err, boom) {
		t.Fatalf("expected configured error, got %v", err)
	}
	if len(mock.Sent()) != 0 {
		t.Errorf("failed send must not be recorded")
	}
	mock.SetErr(nil)
	if err := mock.SendMessage(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret")); !errors.Is(err, ErrMissingFromNumber) {
		t.Errorf("expected ErrMissingFromNumber, got %v", err)
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromNumber("+15550001111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromNumber != "+15550001111" {
		t.Errorf("expected from number to be set, got %q", c.fromNumber)
	}
}

func TestNewClient_EnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtoken")
	t.Setenv("TWILIO_FROM_NUMBER", "+15559998888")

	c, err := NewClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromNumber != "+15559998888" {
		t.Errorf("expected env from number, got %q", c.fromNumber)
	}
}

// sign computes a Twilio webhook signature the way Twilio does for form posts.
func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := url
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	const token = "12345"
	url := "https://scanpipe.example.com/webhook/twilio"
	params := map[string]string{"From": "+15551234567", "Body": "yes", "MessageSid": "SM1"}

	v := NewSignatureValidator(token)
	if !v.Validate(url, params, sign(token, url, params)) {
		t.Error("expected valid signature to pass")
	}
	if v.Validate(url, params, sign("other", url, params)) {
		t.Error("expected signature from another token to fail")
	}
	params["Body"] = "no"
	if v.Validate(url, params, sign(token, url, map[string]string{"From": "+15551234567", "Body": "yes", "MessageSid": "SM1"})) {
		t.Error("expected tampered body to fail")
	}
}
