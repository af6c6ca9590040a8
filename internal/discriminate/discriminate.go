// Package discriminate decides whether two captures of the same spot
// differ in a way worth reporting. Cheap equality tiers run before the
// vision model is consulted.
package discriminate

import (
	"context"

	"sitewatch/internal/imaging"
	"sitewatch/internal/vlm"
)

// Methods recorded on an Outcome, cheapest first.
const (
	MethodIdenticalBytes   = "identical-bytes"
	MethodIdenticalContent = "identical-content"
	MethodSemantic         = "vlm"
	MethodUnavailable      = "vlm-unavailable"
)

// Comparer is the semantic tier. *vlm.Client satisfies it.
type Comparer interface {
	Compare(ctx context.Context, prev, curr []byte) (vlm.Comparison, error)
}

// Outcome is the verdict for one baseline/candidate pair. Equal means
// one of the identity tiers proved the captures are the same image;
// Changed is the semantic tier's judgement. Both false means "same
// scene, nothing worth reporting".
type Outcome struct {
	Equal   bool
	Changed bool
	Reason  string
	Details string
	Method  string
}

// Discriminator classifies capture pairs. When the scene similarity
// drops below MinSceneSimilarity, or the model reports the images are
// not the same scene, the pair counts as changed even if the model
// said otherwise.
type Discriminator struct {
	Comparer           Comparer
	MinSceneSimilarity float64
}

// Classify runs the tiers in order: byte equality, pixel-content
// equality, then the vision model. Hash failures fall through to the
// model; a model failure downgrades the pair to unchanged so one flaky
// call cannot fire an alert.
func (d *Discriminator) Classify(ctx context.Context, prevRaw, currRaw []byte) Outcome {
	if imaging.SHA256Hex(prevRaw) == imaging.SHA256Hex(currRaw) {
		return Outcome{Equal: true, Method: MethodIdenticalBytes}
	}

	prevDigest, errPrev := imaging.ContentDigest(prevRaw)
	currDigest, errCurr := imaging.ContentDigest(currRaw)
	if errPrev == nil && errCurr == nil && prevDigest == currDigest {
		return Outcome{Equal: true, Method: MethodIdenticalContent}
	}

	cmp, err := d.Comparer.Compare(ctx, prevRaw, currRaw)
	if err != nil {
		return Outcome{Method: MethodUnavailable}
	}

	out := Outcome{Changed: cmp.Changed, Reason: cmp.Reason, Details: cmp.Details, Method: MethodSemantic}
	if !cmp.SceneMatch || cmp.SceneSimilarity < d.MinSceneSimilarity {
		out.Changed = true
		if out.Reason == "" {
			out.Reason = "changed"
		}
	}
	return out
}
