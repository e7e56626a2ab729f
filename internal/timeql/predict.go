package timeql

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/models"
)

// predictLimit caps how many predictions a statement returns.
const predictLimit = 10

// Likelihood labels by confidence band.
const (
	LikelihoodVeryLikely   = "very likely"
	LikelihoodLikely       = "likely"
	LikelihoodPossible     = "possible"
	LikelihoodUnlikely     = "unlikely"
	LikelihoodVeryUnlikely = "very unlikely"
)

// PredictedEvent is one prediction annotated for presentation.
type PredictedEvent struct {
	engine.Prediction
	PredictedTime string `json:"predictedTime"`
	TimeFromNowMs int64  `json:"timeFromNowMs"`
	Likelihood    string `json:"likelihood"`
}

// PredictPayload is the PREDICT result. Confidence aggregates the emitted
// predictions as their mean; an empty forecast has confidence 0. Anchor
// is the event the forecast extends from, nil when the tenant has no
// event at or before the requested instant.
type PredictPayload struct {
	Anchor      *models.Event    `json:"anchor,omitempty"`
	FromMs      int64            `json:"fromMs"`
	HorizonMs   int64            `json:"horizonMs"`
	Predictions []PredictedEvent `json:"predictions"`
	Confidence  float64          `json:"confidence"`
}

func (x *Executor) executePredict(ctx context.Context, tenantID string, s *PredictStatement) ([]byte, error) {
	at := s.From.ResolveMillis(x.nowMs())
	payload := &PredictPayload{FromMs: at, HorizonMs: s.HorizonMs}

	err := x.engine.View(ctx, func(v *engine.View) error {
		admit := tenantAdmit(tenantID)
		anchor, ok := v.LatestAt(at, admit)
		if !ok {
			return nil
		}
		payload.Anchor = anchor.Event

		preds, err := v.Predictions(anchor.ID(), s.HorizonMs, engine.DefaultPredictionMinConfidence, admit)
		if err != nil {
			return err
		}
		if len(preds) > predictLimit {
			preds = preds[:predictLimit]
		}

		sum := 0.0
		for _, p := range preds {
			payload.Predictions = append(payload.Predictions, PredictedEvent{
				Prediction:    p,
				PredictedTime: time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339Nano),
				TimeFromNowMs: p.Timestamp - at,
				Likelihood:    likelihoodOf(p.Confidence),
			})
			sum += p.Confidence
		}
		if len(preds) > 0 {
			payload.Confidence = sum / float64(len(preds))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func likelihoodOf(confidence float64) string {
	switch {
	case confidence > 0.8:
		return LikelihoodVeryLikely
	case confidence > 0.6:
		return LikelihoodLikely
	case confidence > 0.4:
		return LikelihoodPossible
	case confidence > 0.2:
		return LikelihoodUnlikely
	default:
		return LikelihoodVeryUnlikely
	}
}
