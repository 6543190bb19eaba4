package store

import (
	"fmt"
	"time"
)

// migration upgrades a raw document in place by exactly one schema version
type migration func(doc map[string]interface{}) error

// migrations maps a schema version to the step that upgrades it to the next.
// Steps are forward-only; downgrades are never attempted.
var migrations = map[int]migration{
	1: migrateV1TrustScores,
}

// migrateV1TrustScores converts the version 1 flat trust_scores map into the
// structured trust_records list, seeding every sub-score from the single
// combined value each peer previously had
func migrateV1TrustScores(doc map[string]interface{}) error {
	rawScores, exists := doc["trust_scores"]
	if !exists {
		doc["trust_records"] = []interface{}{}
		return nil
	}
	scores, ok := rawScores.(map[string]interface{})
	if !ok {
		return fmt.Errorf("trust_scores has unexpected type %T", rawScores)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	records := make([]interface{}, 0, len(scores))
	for nodeID, rawScore := range scores {
		score, ok := rawScore.(float64)
		if !ok {
			return fmt.Errorf("trust score for %s has unexpected type %T", nodeID, rawScore)
		}
		records = append(records, map[string]interface{}{
			"node_id":      nodeID,
			"honesty":      score,
			"ethical":      score,
			"reliability":  score,
			"trust":        score,
			"corroborated": 0,
			"contradicted": 0,
			"updated_at":   now,
		})
	}

	doc["trust_records"] = records
	delete(doc, "trust_scores")
	return nil
}
