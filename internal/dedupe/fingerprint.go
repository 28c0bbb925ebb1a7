// Package dedupe implements duplicate detection for generated content.
//
// A job's topic (and, once available, its generated content) is reduced to a
// normalized token-set fingerprint. Before a job is published, its fingerprint
// is compared against fingerprints of recently completed jobs; a match above
// the similarity threshold suppresses the publish and completes the job with a
// reference to the prior artifact.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Similarity scores the resemblance of two fingerprints in [0, 1]. The default
// implementation is token-overlap (Jaccard); it is isolated behind this
// interface so a better technique can be swapped in without touching the
// claim/transition logic.
type Similarity interface {
	Score(a, b string) float64
}

// TokenOverlap scores fingerprints by the ratio of shared to total distinct
// tokens (intersection over union of whitespace-split, lower-cased words).
type TokenOverlap struct{}

// Score implements Similarity.
func (TokenOverlap) Score(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for tok := range as {
		if _, ok := bs[tok]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

// NormalizeTopic returns the canonical token form of a topic: lower-cased,
// punctuation-trimmed tokens, sorted and joined by single spaces. Two topics
// normalize identically iff their token sets are equal.
func NormalizeTopic(topic string) string {
	set := tokenSet(topic)
	tokens := make([]string, 0, len(set))
	for tok := range set {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// fingerprintFields is the stable input to the content hash. Field order is
// irrelevant: hashing happens over the JCS (RFC 8785) serialization.
type fingerprintFields struct {
	Topic       string `json:"topic"`
	Model       string `json:"model"`
	ContentHash string `json:"content_hash"`
}

// HashTopic returns the hex SHA-256 of the normalized topic.
func HashTopic(topic string) string {
	sum := sha256.Sum256([]byte(NormalizeTopic(topic)))
	return hex.EncodeToString(sum[:])
}

// HashContent returns the hex SHA-256 of the raw generated content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ContentFingerprint returns the hex SHA-256 of the JCS serialization of the
// normalized topic, model, and content hash. It identifies a generation result
// independent of JSON key ordering or whitespace.
func ContentFingerprint(topic, model, content string) string {
	raw, err := json.Marshal(fingerprintFields{
		Topic:       NormalizeTopic(topic),
		Model:       model,
		ContentHash: HashContent(content),
	})
	if err != nil {
		// Marshal of a struct of plain strings never fails.
		panic(fmt.Sprintf("dedupe: marshal fingerprint fields: %v", err))
	}
	jcs, err := jsoncanonical.Transform(raw)
	if err != nil {
		panic(fmt.Sprintf("dedupe: JCS transform: %v", err))
	}
	sum := sha256.Sum256(jcs)
	return hex.EncodeToString(sum[:])
}
