// Package models defines the core domain types for iglood.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// OperationKind identifies a NIP-55 operation.
type OperationKind string

const (
	OpGetPublicKey    OperationKind = "get_public_key"
	OpSignEvent       OperationKind = "sign_event"
	OpNIP04Encrypt    OperationKind = "nip04_encrypt"
	OpNIP04Decrypt    OperationKind = "nip04_decrypt"
	OpNIP44Encrypt    OperationKind = "nip44_encrypt"
	OpNIP44Decrypt    OperationKind = "nip44_decrypt"
	OpDecryptZapEvent OperationKind = "decrypt_zap_event"
)

// Operations lists every supported operation kind.
var Operations = []OperationKind{
	OpGetPublicKey,
	OpSignEvent,
	OpNIP04Encrypt,
	OpNIP04Decrypt,
	OpNIP44Encrypt,
	OpNIP44Decrypt,
	OpDecryptZapEvent,
}

// ParseOperation maps a wire-level type string to an OperationKind.
func ParseOperation(s string) (OperationKind, bool) {
	op := OperationKind(s)
	for _, known := range Operations {
		if op == known {
			return known, true
		}
	}
	return "", false
}

// EntryPoint records which transport a request arrived on.
type EntryPoint string

const (
	// EntryAsync is the one-shot intent transport; results go out through
	// a broadcast keyed by request id.
	EntryAsync EntryPoint = "async"
	// EntryBlocking is the query-style transport; the caller's thread is
	// held until a result or timeout.
	EntryBlocking EntryPoint = "blocking"
)

// Priority orders items inside the ingestion queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Request is one inbound signing/encryption operation. It is created by the
// parser, immutable afterwards, and consumed exactly once by the pipeline.
type Request struct {
	ID         string            `json:"id"`
	Operation  OperationKind     `json:"operation"`
	CallingApp string            `json:"calling_app"`
	Params     map[string]string `json:"params"`
	EntryPoint EntryPoint        `json:"entry_point"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Param returns the named operation parameter or "".
func (r *Request) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[key]
}

// KindFilter is an optional event-kind restriction on a permission rule.
// Kind zero is a valid Nostr event kind, so the wildcard is a distinct state
// rather than a sentinel value.
type KindFilter struct {
	kind int
	set  bool
}

// KindOf returns a filter matching exactly the given event kind.
func KindOf(kind int) KindFilter {
	return KindFilter{kind: kind, set: true}
}

// AnyKind returns the wildcard filter, matching every event kind.
func AnyKind() KindFilter {
	return KindFilter{}
}

// Value returns the restricted kind and whether one is set.
func (k KindFilter) Value() (int, bool) {
	return k.kind, k.set
}

// Wildcard reports whether the filter matches any kind.
func (k KindFilter) Wildcard() bool {
	return !k.set
}

// String renders the filter for storage: "*" for the wildcard, the decimal
// kind otherwise.
func (k KindFilter) String() string {
	if !k.set {
		return "*"
	}
	return strconv.Itoa(k.kind)
}

// MarshalJSON encodes the filter as its String form, so the wildcard and
// kind zero stay distinct on the wire.
func (k KindFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (k *KindFilter) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKindFilter(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKindFilter is the inverse of String.
func ParseKindFilter(s string) (KindFilter, error) {
	if s == "*" {
		return AnyKind(), nil
	}
	kind, err := strconv.Atoi(s)
	if err != nil {
		return KindFilter{}, fmt.Errorf("parse kind filter %q: %w", s, err)
	}
	return KindOf(kind), nil
}

// PermissionRule is one persisted authorization fact. At most one rule exists
// per (AppID, Operation, Kind) triple.
type PermissionRule struct {
	AppID     string        `json:"app_id"`
	Operation OperationKind `json:"operation"`
	Kind      KindFilter    `json:"kind"`
	Allowed   bool          `json:"allowed"`
	GrantedAt time.Time     `json:"granted_at"`
}

// Decision is the outcome of a permission check.
type Decision int

const (
	DecisionPrompt Decision = iota
	DecisionAllowed
	DecisionDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	default:
		return "prompt"
	}
}

// Verdict is a permission decision plus the grant timestamp of the matched
// rule (zero for DecisionPrompt).
type Verdict struct {
	Decision  Decision
	GrantedAt time.Time
}

// Selection names one (operation, kind) pair in a bulk permission change.
type Selection struct {
	Operation OperationKind `json:"operation"`
	Kind      KindFilter    `json:"kind"`
}

// SignatureEntry is one signed event id as returned by the signing service.
type SignatureEntry struct {
	EventID   string `json:"event_id"`
	Signature string `json:"signature"`
}

// Response is the terminal outcome of a request, delivered back through
// whichever transport issued it.
type Response struct {
	ID       string `json:"id"`
	Result   string `json:"result,omitempty"`
	Event    string `json:"event,omitempty"`
	Rejected bool   `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
