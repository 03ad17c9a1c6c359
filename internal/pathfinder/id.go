package pathfinder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/flasharb/engine/internal/domain"
)

// ComputeOpportunityID derives the deterministic identity of a trade cycle.
// Formula: SHA256(pair|venue1>venue2>...|epoch), hex encoded (64 chars).
//
// The epoch bucket means the same cycle rediscovered within one bucket
// deduplicates to a single registry entry, while a rediscovery in a later
// bucket is a fresh opportunity with its own lifecycle.
func ComputeOpportunityID(pair domain.AssetPair, path []domain.Hop, epoch int64) string {
	venues := make([]string, len(path))
	for i, h := range path {
		venues[i] = string(h.Venue)
	}
	data := fmt.Sprintf("%s|%s|%d", pair, strings.Join(venues, ">"), epoch)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
