package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ScanPipe/internal/flow"
	"github.com/BTreeMap/ScanPipe/internal/models"
)

// ErrMalformedResponse is returned when the model output is not the JSON object requested.
// It is retryable; an unknown category is reported as flow.ErrUnrecognizedCategory instead.
var ErrMalformedResponse = errors.New("malformed classifier response")

const yesNoSystemPrompt = `You classify a patient's reply to the question "Did you get your scan done yet?".
Return only JSON: {"intent": "yes" | "no"}
Use "yes" only if the patient clearly says the scan was done.`

const reasonSystemPrompt = `A patient explains why they have not had their scan yet. Classify into exactly one category.
Return only JSON:
{
  "category": "doesnt_want" | "forgot" | "cant_remember" | "pushed_back",
  "new_date": "YYYY-MM-DD"   // only if a new date is mentioned, otherwise null
}`

// ClassifyYesNo turns a reply into a two-valued intent.
// Output that is neither "yes" nor "no" is reported as IntentNo with Ambiguous set, so the
// conversation always continues down a defined branch.
func (c *Client) ClassifyYesNo(ctx context.Context, text string) (models.Classification, error) {
	content, err := c.complete(ctx, yesNoSystemPrompt, text)
	if err != nil {
		return models.Classification{}, err
	}
	return parseYesNo(content)
}

// ClassifyReason extracts the reason category and an optional new date.
func (c *Client) ClassifyReason(ctx context.Context, text string) (models.Classification, error) {
	content, err := c.complete(ctx, reasonSystemPrompt, text)
	if err != nil {
		return models.Classification{}, err
	}
	return parseReason(content)
}

// Classify dispatches on the shape required by the current stage.
func (c *Client) Classify(ctx context.Context, kind models.ClassificationKind, text string) (models.Classification, error) {
	switch kind {
	case models.ClassificationYesNo:
		return c.ClassifyYesNo(ctx, text)
	case models.ClassificationReason:
		return c.ClassifyReason(ctx, text)
	default:
		return models.Classification{}, fmt.Errorf("unsupported classification kind %q", kind)
	}
}

func parseYesNo(content string) (models.Classification, error) {
	raw := stripCodeFence(content)
	var payload struct {
		Intent *string `json:"intent"`
	}
	var answer string
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		if payload.Intent == nil {
			return models.Classification{}, fmt.Errorf("%w: missing intent", ErrMalformedResponse)
		}
		answer = *payload.Intent
	} else if word := normalizeToken(raw); word == "yes" || word == "no" {
		// Backends without a JSON mode sometimes answer with the bare word.
		answer = word
	} else {
		return models.Classification{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch normalizeToken(answer) {
	case "yes":
		return models.YesNo(models.IntentYes), nil
	case "no":
		return models.YesNo(models.IntentNo), nil
	default:
		slog.Warn("Classifier yes/no output ambiguous, defaulting to no", "intent", answer)
		c := models.YesNo(models.IntentNo)
		c.Ambiguous = true
		return c, nil
	}
}

func parseReason(content string) (models.Classification, error) {
	raw := stripCodeFence(content)
	var payload struct {
		Category *string `json:"category"`
		NewDate  *string `json:"new_date"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return models.Classification{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.Category == nil {
		return models.Classification{}, fmt.Errorf("%w: missing category", flow.ErrUnrecognizedCategory)
	}
	category := models.Category(normalizeToken(*payload.Category))
	if !category.IsValid() {
		return models.Classification{}, fmt.Errorf("%w: %q", flow.ErrUnrecognizedCategory, *payload.Category)
	}

	var newDate string
	if payload.NewDate != nil {
		candidate := strings.TrimSpace(*payload.NewDate)
		if _, ok := models.ParseISODate(candidate); ok {
			newDate = candidate
		} else if candidate != "" && !strings.EqualFold(candidate, "null") {
			slog.Warn("Classifier returned invalid new_date, ignoring", "new_date", candidate, "category", category)
		}
	}
	return models.Reason(category, newDate), nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!?\"' "))
}
