package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// EntryEvent is one link of the per-entry audit chain persisted alongside
// queue entries. Each hash covers the previous hash, so edits to history are
// detectable.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEntryChain reports the index of the first event whose hash does not
// match, or -1 when the chain is intact.
func VerifyEntryChain(events []EntryEvent) int {
	prev := ""
	for i, event := range events {
		if event.PrevHash != prev {
			return i
		}
		if ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.Seq) != event.Hash {
			return i
		}
		prev = event.Hash
	}
	return -1
}
