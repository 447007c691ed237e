package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequiredAndOptional(t *testing.T) {
	s := Parse("+type:vm,tag:prod,tag:staging")
	tags := map[string]string{"type": "vm", "tag": "prod"}

	require.True(t, s.Matches(tags, ""))

	tags["tag"] = "dev"
	require.False(t, s.Matches(tags, ""))
}

func TestNoOptionalTermsAlwaysPass(t *testing.T) {
	s := Parse("+type:vm")
	require.True(t, s.Matches(map[string]string{"type": "vm"}, ""))
	require.False(t, s.Matches(map[string]string{"type": "ct"}, ""))
}

func TestBareSubstringMatch(t *testing.T) {
	s := Parse("pve1")
	require.True(t, s.Matches(nil, "remote pve1 guest"))
	require.False(t, s.Matches(nil, "remote pve2 guest"))
}

func TestNegation(t *testing.T) {
	s := Parse("!tag:staging")
	require.True(t, s.Matches(map[string]string{"tag": "prod"}, ""))
	require.False(t, s.Matches(map[string]string{"tag": "staging"}, ""))
}

func TestEmptyQueryMatchesEverything(t *testing.T) {
	s := Parse("")
	require.True(t, s.Matches(nil, "anything"))
}
