package models

// ContextKind classifies the channel a conversation runs over.
type ContextKind string

const (
	ContextCall          ContextKind = "call"
	ContextMessageThread ContextKind = "message_thread"
	ContextMixed         ContextKind = "mixed"
)

func (k ContextKind) IsValid() bool {
	return k == ContextCall || k == ContextMessageThread || k == ContextMixed
}

// ConversationContext is the evolving state of one conversation. Once
// IsActive is false the context is terminal.
type ConversationContext struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"ownerId"`
	ConversationID string         `json:"conversationId"`
	Kind           ContextKind    `json:"kind"`
	Data           map[string]any `json:"data,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Vector         []float32      `json:"-"`
	VectorHash     string         `json:"-"`
	Entities       []string       `json:"entities"`
	Sentiment      float64        `json:"sentiment"`
	Urgency        float64        `json:"urgency"`
	// Confidence is derived from merged signals, unrelated to a spam
	// pattern's prior.
	Confidence float64 `json:"confidence"`
	IsActive   bool    `json:"isActive"`

	StartTime   int64  `json:"startTime"`
	EndTime     *int64 `json:"endTime,omitempty"`
	LastUpdated int64  `json:"lastUpdated"`
	// LastSequence and LastSignalAt are the ordering keys of the last
	// sequenced and the last timestamped signal whose scalars were applied.
	LastSequence int64 `json:"lastSequence"`
	LastSignalAt int64 `json:"lastSignalAt"`
	SignalCount  int   `json:"signalCount"`
	Version      int64 `json:"version"`
	// ArchivedRecordID points at the conversation_history record written on close.
	ArchivedRecordID string `json:"archivedRecordId,omitempty"`
}

// Signal is one inbound observation folded into a conversation context.
// Sequence, when positive, orders signals; otherwise Timestamp (unix millis)
// does. Sentiment and Urgency are optional.
type Signal struct {
	OwnerID    string         `json:"ownerId"`
	Kind       ContextKind    `json:"kind,omitempty"`
	Sequence   int64          `json:"sequence,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Entities   []string       `json:"entities,omitempty"`
	Sentiment  *float64       `json:"sentiment,omitempty"`
	Urgency    *float64       `json:"urgency,omitempty"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data,omitempty"`
	Summary    string         `json:"summary,omitempty"`
}

// Accepts reports whether sig's scalar fields may overwrite the context's
// current state. Sequences are compared only with earlier sequences and
// timestamps only with earlier timestamps; equal keys accept, so the later
// arrival wins.
func (c *ConversationContext) Accepts(sig *Signal) bool {
	if c.SignalCount == 0 {
		return true
	}
	if sig.Sequence > 0 {
		return sig.Sequence >= c.LastSequence
	}
	return sig.Timestamp >= c.LastSignalAt
}

// Applied records sig's ordering key after its scalars were merged.
func (c *ConversationContext) Applied(sig *Signal) {
	if sig.Sequence > 0 {
		c.LastSequence = sig.Sequence
		return
	}
	c.LastSignalAt = sig.Timestamp
}
