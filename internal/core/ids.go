package core

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// randBase62 returns n characters drawn uniformly from the base62 alphabet
// using crypto/rand. ID collisions across a fleet's lifetime are the only
// correctness concern, so uniform high-entropy draws suffice.
func randBase62(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is unrecoverable
		}
		out[i] = base62Alphabet[idx.Int64()]
	}
	return string(out)
}

func randHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)[:n]
}

// NewAgentID returns a fresh "ag_" + 12 base62 agent id, for agents that
// join without presenting one.
func NewAgentID() string { return "ag_" + randBase62(12) }

// NewMessageID returns a fresh "msg_" + 12 base62 direct-message id.
func NewMessageID() string { return "msg_" + randBase62(12) }

// NewThreadID returns a fresh "thr_" + 12 base62 thread id.
func NewThreadID() string { return "thr_" + randBase62(12) }

// NewEscalationID returns a fresh "esc_" + 16 base62 escalation id.
func NewEscalationID() string { return "esc_" + randBase62(16) }

// NewAnnouncementID returns a fresh "ann_" + 12 base62 announcement id.
func NewAnnouncementID() string { return "ann_" + randBase62(12) }

// NewNotificationID returns a fresh "ntf_" + 16 base62 notification id.
func NewNotificationID() string { return "ntf_" + randBase62(16) }

// NewTaskID returns a fresh "task_" + 16 hex task id.
func NewTaskID() string { return "task_" + randHex(16) }

// NewEventID returns a fresh "evt_" + 16 base62 event-log id.
func NewEventID() string { return "evt_" + randBase62(16) }
