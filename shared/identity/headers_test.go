package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHeadersRoundTrip(t *testing.T) {
	id := ID{RelatedActivityID: "act-1", Environment: "prod", EngineVersion: "v42"}
	trace := uuid.New()

	md := BuildHeaders(id, trace, "tok-abc")

	sender, gotID, gotTrace, gotToken := ParseHeaders(md)

	assert.NotEmpty(t, sender, "sender machine name should always be populated")
	assert.Equal(t, id, gotID)
	assert.Equal(t, trace, gotTrace)
	assert.Equal(t, "tok-abc", gotToken)
}

func TestBuildHeadersNoToken(t *testing.T) {
	md := BuildHeaders(ID{RelatedActivityID: "a"}, uuid.New(), "")
	_, _, _, token := ParseHeaders(md)
	assert.Empty(t, token)
}

func TestParseHeadersPartialMismatch(t *testing.T) {
	local := ID{RelatedActivityID: "a", Environment: "prod", EngineVersion: "v1"}
	md := BuildHeaders(ID{RelatedActivityID: "a", Environment: "staging", EngineVersion: "v1"}, uuid.New(), "")

	_, remote, _, _ := ParseHeaders(md)
	require.False(t, local.Equal(remote), "differing environment must not compare equal")
}

func TestIDEqualRejectsZeroValue(t *testing.T) {
	var zero ID
	assert.False(t, zero.Equal(zero), "a zero-value invocation id must never equal anything")
}
