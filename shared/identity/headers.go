package identity

import (
	"os"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

// Metadata key names, case-insensitive per gRPC convention (grpc-go
// lower-cases all keys on both send and receive). The "-bin" suffix on
// traceIDKey is required by grpc-go to carry raw binary bytes instead of
// a UTF-8 string — see spec §6.
const (
	traceIDKey     = "traceid-bin"
	relatedActKey  = "relatedactivityid"
	environmentKey = "environment"
	engineVerKey   = "engineversion"
	senderKey      = "sender"
	tokenKey       = "authorization"
)

// Trailer key names, set by the server on error responses (spec §3, §6).
const (
	TrailerUnrecoverable      = "isunrecoverableerror"
	TrailerInvocationMismatch = "invocationidmismatch"
)

// TrailerTrue / TrailerFalse are the two boolean-valued trailer strings
// the wire protocol uses — spec §3 specifies these as "1"/"0", not a
// bool-typed gRPC field.
const (
	TrailerTrue  = "1"
	TrailerFalse = "0"
)

// BuildHeaders produces the key-value metadata sent with every
// outbound call: the invocation id fields, a fresh trace id, the local
// machine name, and (if non-empty) a bearer token. metadata.MD is a map,
// so the order in which the keys are added is not preserved.
func BuildHeaders(id ID, traceID uuid.UUID, token string) metadata.MD {
	md := metadata.Pairs(
		relatedActKey, id.RelatedActivityID,
		environmentKey, id.Environment,
		engineVerKey, id.EngineVersion,
		senderKey, senderMachineName(),
	)
	md.Append(traceIDKey, string(traceID[:]))
	if token != "" {
		md.Set(tokenKey, token)
	}
	return md
}

// ParseHeaders reconstructs the sender name, invocation id, trace id,
// and bearer token from inbound call metadata. Any field not present is
// returned as its zero value — a partially populated ID still compares
// correctly (and fails cleanly) against a fully populated local id,
// per spec §4.1.
func ParseHeaders(md metadata.MD) (sender string, id ID, traceID uuid.UUID, token string) {
	id = ID{
		RelatedActivityID: firstOrEmpty(md, relatedActKey),
		Environment:       firstOrEmpty(md, environmentKey),
		EngineVersion:     firstOrEmpty(md, engineVerKey),
	}
	sender = firstOrEmpty(md, senderKey)
	token = firstOrEmpty(md, tokenKey)

	if raw := md.Get(traceIDKey); len(raw) == 1 && len(raw[0]) == len(uuid.UUID{}) {
		copy(traceID[:], raw[0])
	}
	return sender, id, traceID, token
}

func firstOrEmpty(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// senderMachineName returns the local hostname, falling back to
// "unknown" exactly as the teacher's registration path does
// (agent/internal/connection/manager.go's register()).
func senderMachineName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
