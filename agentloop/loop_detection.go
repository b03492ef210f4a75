package agentloop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
)

// LoopSignature summarizes one tool invocation for loop detection.
type LoopSignature struct {
	Tool       string
	Key        string // tool name plus canonical JSON arguments
	ResultHash string
	Embedding  []float32
}

// NewLoopSignature builds a signature from a call and its result text.
// encoding/json sorts map keys, so equal arguments give equal keys.
func NewLoopSignature(tool string, args map[string]any, result string) LoopSignature {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte("{}")
	}
	h := sha256.Sum256([]byte(result))
	return LoopSignature{
		Tool:       tool,
		Key:        tool + ":" + string(canonical),
		ResultHash: hex.EncodeToString(h[:]),
	}
}

// Text is the input handed to an Embedder for this signature.
func (s LoopSignature) Text() string { return s.Key }

// Embedder turns text into a vector for semantic comparison of signatures.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SimilarityFunc scores two signatures in [0, 1].
type SimilarityFunc func(a, b LoopSignature) float64

// DefaultSimilarity is 1 for an exact key and result match, otherwise the
// cosine similarity of the embeddings when both are present, otherwise 0.
func DefaultSimilarity(a, b LoopSignature) float64 {
	if a.Key == b.Key && a.ResultHash == b.ResultHash {
		return 1
	}
	if len(a.Embedding) > 0 && len(b.Embedding) > 0 {
		return CosineSimilarity(a.Embedding, b.Embedding)
	}
	return 0
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Verdict is the detector's answer for each observation.
type Verdict int

const (
	Continue Verdict = iota
	Stuck
)

func (v Verdict) String() string {
	if v == Stuck {
		return "stuck"
	}
	return "continue"
}

// Detector keeps a sliding window of signatures. It reports Stuck once the
// window holds N signatures that are pairwise similar at or above the
// threshold. A signature that is not similar to every signature in the
// window restarts the window with just that signature.
type Detector struct {
	size       int
	threshold  float64
	similarity SimilarityFunc
	window     []LoopSignature
}

// NewDetector creates a detector. A nil similarity uses DefaultSimilarity.
func NewDetector(size int, threshold float64, similarity SimilarityFunc) *Detector {
	if size < 1 {
		size = 1
	}
	if similarity == nil {
		similarity = DefaultSimilarity
	}
	return &Detector{size: size, threshold: threshold, similarity: similarity}
}

// Observe adds sig to the window and returns the verdict.
func (d *Detector) Observe(sig LoopSignature) Verdict {
	for _, prev := range d.window {
		if d.similarity(prev, sig) < d.threshold {
			d.window = d.window[:0]
			break
		}
	}
	d.window = append(d.window, sig)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
	if len(d.window) == d.size {
		return Stuck
	}
	return Continue
}

// Reset clears the window.
func (d *Detector) Reset() { d.window = nil }

// Len returns the number of signatures in the window.
func (d *Detector) Len() int { return len(d.window) }
