package flow

import (
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

func TestAdvance_TransitionTable(t *testing.T) {
	s := DefaultScript()
	tests := []struct {
		name         string
		stage        models.Stage
		class        models.Classification
		wantStage    models.Stage
		wantTerminal bool
		wantReply    string
	}{
		{"yes ends with details request", models.StageAwaitingYesNo, models.YesNo(models.IntentYes), "", true, s.AskScanDetails()},
		{"no asks for reason", models.StageAwaitingYesNo, models.YesNo(models.IntentNo), models.StageAwaitingNoReason, false, s.AskNoReason()},
		{"doesnt want offers callback", models.StageAwaitingNoReason, models.Reason(models.CategoryDoesntWant, ""), "", true, s.OfferCallback()},
		{"forgot offers scheduling help", models.StageAwaitingNoReason, models.Reason(models.CategoryForgot, ""), "", true, s.OfferSchedulingHelp()},
		{"cant remember promises follow up", models.StageAwaitingNoReason, models.Reason(models.CategoryCantRemember, ""), "", true, s.PromiseFollowUp()},
		{"pushed back with date confirms", models.StageAwaitingNoReason, models.Reason(models.CategoryPushedBack, "2024-05-01"), models.StageAwaitingNoReason, false, s.ConfirmNewDate("2024-05-01")},
		{"pushed back without date asks", models.StageAwaitingNoReason, models.Reason(models.CategoryPushedBack, ""), models.StageAwaitingNoReason, false, s.AskNewDate()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Advance(tt.stage, tt.class)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.NextStage != tt.wantStage {
				t.Errorf("expected next stage %q, got %q", tt.wantStage, out.NextStage)
			}
			if out.Terminal != tt.wantTerminal {
				t.Errorf("expected terminal=%v, got %v", tt.wantTerminal, out.Terminal)
			}
			if len(out.Replies) != 1 {
				t.Fatalf("expected exactly one reply, got %d", len(out.Replies))
			}
			if out.Replies[0] != tt.wantReply {
				t.Errorf("expected reply %q, got %q", tt.wantReply, out.Replies[0])
			}
			if out.Terminal && out.NextStage != "" {
				t.Errorf("terminal outcome must not carry a stage, got %q", out.NextStage)
			}
		})
	}
}

func TestAdvance_PushedBackDateReferenced(t *testing.T) {
	s := DefaultScript()
	out, err := s.Advance(models.StageAwaitingNoReason, models.Reason(models.CategoryPushedBack, "2024-05-01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Replies[0], "2024-05-01") {
		t.Errorf("expected reply to reference the date, got %q", out.Replies[0])
	}
	if out.ProposedDate != "2024-05-01" {
		t.Errorf("expected proposed date to be carried, got %q", out.ProposedDate)
	}

	out, err = s.Advance(models.StageAwaitingNoReason, models.Reason(models.CategoryPushedBack, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.ContainsAny(out.Replies[0], "0123456789") {
		t.Errorf("expected no date in reply, got %q", out.Replies[0])
	}
	if !strings.Contains(out.Replies[0], "When") {
		t.Errorf("expected reply to ask for the new date, got %q", out.Replies[0])
	}
	if out.ProposedDate != "" {
		t.Errorf("expected no proposed date, got %q", out.ProposedDate)
	}
}

func TestAdvance_AmbiguousIntentTakesNoBranch(t *testing.T) {
	s := DefaultScript()
	c := models.Classification{Kind: models.ClassificationYesNo, Intent: models.IntentNo, Ambiguous: true}
	out, err := s.Advance(models.StageAwaitingYesNo, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Terminal || out.NextStage != models.StageAwaitingNoReason {
		t.Errorf("expected no branch, got %+v", out)
	}

	// An empty intent is not affirmative either.
	out, err = s.Advance(models.StageAwaitingYesNo, models.Classification{Kind: models.ClassificationYesNo})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.NextStage != models.StageAwaitingNoReason {
		t.Errorf("expected no branch for empty intent, got %+v", out)
	}
}

func TestAdvance_Errors(t *testing.T) {
	s := DefaultScript()
	tests := []struct {
		name  string
		stage models.Stage
		class models.Classification
		want  error
	}{
		{"unknown category", models.StageAwaitingNoReason, models.Reason("busy", ""), ErrUnrecognizedCategory},
		{"empty category", models.StageAwaitingNoReason, models.Reason("", ""), ErrUnrecognizedCategory},
		{"reason for yes/no stage", models.StageAwaitingYesNo, models.Reason(models.CategoryForgot, ""), ErrClassificationMismatch},
		{"yes/no for reason stage", models.StageAwaitingNoReason, models.YesNo(models.IntentYes), ErrClassificationMismatch},
		{"unknown stage", models.Stage("awaiting_ct_details"), models.YesNo(models.IntentYes), ErrUnknownStage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Advance(tt.stage, tt.class)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(out.Replies) != 0 || out.Terminal || out.NextStage != "" {
				t.Errorf("expected zero outcome on error, got %+v", out)
			}
		})
	}
}

func TestShapeFor(t *testing.T) {
	if k, err := ShapeFor(models.StageAwaitingYesNo); err != nil || k != models.ClassificationYesNo {
		t.Errorf("expected yes/no shape, got %q, %v", k, err)
	}
	if k, err := ShapeFor(models.StageAwaitingNoReason); err != nil || k != models.ClassificationReason {
		t.Errorf("expected reason shape, got %q, %v", k, err)
	}
	if _, err := ShapeFor("nope"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}
