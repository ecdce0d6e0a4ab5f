package cron

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RunKey computes the stable, deterministic key identifying one logical
// firing of agentID's schedule. Hashing is a
// primitive operation, not a library concern, so this uses stdlib
// crypto/sha256 directly rather than a pack dependency.
func RunKey(agentID, definitionHash string, scheduledFor time.Time) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte("|"))
	h.Write([]byte(definitionHash))
	h.Write([]byte("|"))
	h.Write([]byte(scheduledFor.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
