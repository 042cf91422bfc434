package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
)

func TestEvaluate_DangerousPortAndMissingAuth(t *testing.T) {
	c := &model.Candidate{
		Protocol: model.ProtoTrojan,
		Host:     "example.com",
		Port:     3389,
	}
	issues := Evaluate(c)
	require.Contains(t, issues, model.CatDangerousPort)
	require.Contains(t, issues, model.CatMissingAuth)
}

func TestEvaluate_CleanCandidate(t *testing.T) {
	c := &model.Candidate{
		Protocol: model.ProtoSOCKS5,
		Host:     "example.com",
		Port:     1080,
	}
	issues := Evaluate(c)
	require.Empty(t, issues)
}

func TestApply_StrictDiscardsFlagged(t *testing.T) {
	c := &model.Candidate{Protocol: model.ProtoSSR, Host: "example.com", Port: 8080, Auth: []byte("x")}
	require.False(t, Apply(c, Strict))
	require.True(t, c.HasSecurityIssues())
}

func TestApply_LenientKeepsAndTags(t *testing.T) {
	c := &model.Candidate{Protocol: model.ProtoSSR, Host: "example.com", Port: 8080, Auth: []byte("x")}
	require.True(t, Apply(c, Lenient))
	require.True(t, c.HasSecurityIssues())
}
