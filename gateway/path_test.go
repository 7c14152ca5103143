package gateway_test

import (
	"net/url"
	"testing"

	"github.com/rivetkit/actorcore/gateway"
	"github.com/stretchr/testify/require"
)

// TestParseActorPathGrammar covers P9: for all a, t, r matching the
// grammar, parseActorPath(pct(a)@pct(t)/r) yields {a, t, "/"+r}.
func TestParseActorPathGrammar(t *testing.T) {
	cases := []struct {
		actorID, token, remainder string
	}{
		{"room-1", "tok-1", "api/x"},
		{"actor with spaces", "t", ""},
		{"日本語", "tok", "a/b/c?q=1"},
	}
	for _, c := range cases {
		raw := gatewayPath(c.actorID, c.token, c.remainder)
		got, ok := gateway.ParseActorPath(raw)
		require.True(t, ok, raw)
		require.Equal(t, c.actorID, got.ActorID)
		require.Equal(t, c.token, got.Token)
		require.Equal(t, "/"+c.remainder, got.RemainingPath)
	}
}

func gatewayPath(actorID, token, remainder string) string {
	return "/gateway/" + url.PathEscape(actorID) + "@" + url.PathEscape(token) + "/" + remainder
}

// TestParseActorPathNoToken covers the optional-token form.
func TestParseActorPathNoToken(t *testing.T) {
	got, ok := gateway.ParseActorPath("/gateway/room-1/action/increment")
	require.True(t, ok)
	require.Equal(t, "room-1", got.ActorID)
	require.Equal(t, "", got.Token)
	require.Equal(t, "/action/increment", got.RemainingPath)
}

// TestParseActorPathScenario5 covers S5 verbatim.
func TestParseActorPathScenario5(t *testing.T) {
	got, ok := gateway.ParseActorPath("/gateway/actor%2D123@token%2D9/api?q=1#f")
	require.True(t, ok)
	require.Equal(t, "actor-123", got.ActorID)
	require.Equal(t, "token-9", got.Token)
	require.Equal(t, "/api?q=1", got.RemainingPath)
}

func TestParseActorPathMalformedInputsRejected(t *testing.T) {
	cases := []string{
		"",
		"/gateway/",
		"/gateway/@tok/rest",
		"/gateway/id@/rest",
		"/Gateway/id/rest",
		"/gateway//id/rest",
		"/not-gateway/id/rest",
	}
	for _, raw := range cases {
		_, ok := gateway.ParseActorPath(raw)
		require.False(t, ok, raw)
	}
}
