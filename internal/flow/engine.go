package flow

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

var (
	// ErrUnknownStage is returned for a stage outside the active stage enum.
	ErrUnknownStage = errors.New("unknown conversation stage")
	// ErrClassificationMismatch is returned when the classification shape does not fit the stage.
	ErrClassificationMismatch = errors.New("classification does not match stage")
	// ErrUnrecognizedCategory is returned for a reason category outside the fixed enum.
	ErrUnrecognizedCategory = errors.New("unrecognized category")
)

// Outcome is the decision for one classified patient message.
type Outcome struct {
	// NextStage is empty when Terminal is true.
	NextStage models.Stage
	// Replies are sent in order.
	Replies []string
	// Terminal means the conversation is over and its record should be removed.
	Terminal bool
	// ProposedDate carries a date the patient mentioned while pushing the scan back.
	ProposedDate string
}

// ShapeFor returns the classification kind a stage needs.
func ShapeFor(stage models.Stage) (models.ClassificationKind, error) {
	switch stage {
	case models.StageAwaitingYesNo:
		return models.ClassificationYesNo, nil
	case models.StageAwaitingNoReason:
		return models.ClassificationReason, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

// Advance decides the next stage and replies for a classified message.
// It performs no I/O; persisting the outcome and sending replies is the caller's job.
//
// A yes/no intent other than IntentYes takes the "no" branch. The gateway reports
// ambiguous model output as IntentNo, so a patient always gets a reply.
func (s Script) Advance(stage models.Stage, c models.Classification) (Outcome, error) {
	switch stage {
	case models.StageAwaitingYesNo:
		if c.Kind != models.ClassificationYesNo {
			return Outcome{}, fmt.Errorf("%w: stage %s got %s", ErrClassificationMismatch, stage, c.Kind)
		}
		if c.Intent == models.IntentYes {
			return terminal(s.AskScanDetails()), nil
		}
		return Outcome{
			NextStage: models.StageAwaitingNoReason,
			Replies:   []string{s.AskNoReason()},
		}, nil

	case models.StageAwaitingNoReason:
		if c.Kind != models.ClassificationReason {
			return Outcome{}, fmt.Errorf("%w: stage %s got %s", ErrClassificationMismatch, stage, c.Kind)
		}
		return s.advanceNoReason(c)

	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

func (s Script) advanceNoReason(c models.Classification) (Outcome, error) {
	switch c.Category {
	case models.CategoryDoesntWant:
		return terminal(s.OfferCallback()), nil
	case models.CategoryForgot:
		return terminal(s.OfferSchedulingHelp()), nil
	case models.CategoryCantRemember:
		return terminal(s.PromiseFollowUp()), nil
	case models.CategoryPushedBack:
		// Stays in the reason stage: the patient confirms or corrects the date next.
		if c.NewDate != "" {
			return Outcome{
				NextStage:    models.StageAwaitingNoReason,
				Replies:      []string{s.ConfirmNewDate(c.NewDate)},
				ProposedDate: c.NewDate,
			}, nil
		}
		return Outcome{
			NextStage: models.StageAwaitingNoReason,
			Replies:   []string{s.AskNewDate()},
		}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnrecognizedCategory, c.Category)
	}
}

func terminal(reply string) Outcome {
	return Outcome{Replies: []string{reply}, Terminal: true}
}
