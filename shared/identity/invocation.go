// Package identity defines the Distributed Invocation Id carried on
// every RPC between orchestrator and worker, and the metadata codec
// that puts it (plus trace id, sender, and token) on the wire.
package identity

// ID is the immutable tuple uniquely identifying one distributed build
// across every participant. It is created once at process start and
// compared for equality by all three fields on every inbound call — a
// mismatch on any field is unrecoverable for that call (spec §3).
type ID struct {
	RelatedActivityID string
	Environment       string
	EngineVersion     string
}

// Equal reports whether two invocation ids refer to the same build.
// A zero-value ID (all fields empty) never equals anything, including
// another zero-value ID — an invocation id is only meaningful once at
// least the related-activity id has been set.
func (id ID) Equal(other ID) bool {
	if id.RelatedActivityID == "" {
		return false
	}
	return id == other
}

// IsZero reports whether id carries no identifying information at all —
// the state ParseHeaders returns when none of the invocation-id metadata
// keys were present on the inbound call.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return id.RelatedActivityID + "/" + id.Environment + "/" + id.EngineVersion
}
