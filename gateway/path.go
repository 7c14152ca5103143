// Package gateway implements the HTTP+WebSocket surface on top of the
// actor runtime (§6.1, §6.2): the `/gateway/<actor-id>[@<token>]/…` path
// grammar, per-request encoding/params negotiation, and the action,
// queue-send, resolve, websocket, and raw routes mounted on the actor
// router.
package gateway

import (
	"net/url"
	"strings"
)

// ActorPath is the decoded result of a gateway path (§6.1, P9).
type ActorPath struct {
	ActorID       string
	Token         string
	RemainingPath string
}

const gatewayPrefix = "/gateway/"

// ParseActorPath decodes raw (a request-target: path, optionally with a
// query string and/or fragment) per the §6.1 path grammar:
//
//	/gateway/<actor-id>[@<token>]/<remaining…>
//
// Fragments are stripped before parsing. actor-id and token are
// percent-decoded; an empty actor-id, an "@" with nothing after it, a
// double slash in the path portion, or a path not prefixed by the
// lower-case literal "/gateway/" are all malformed and report ok=false
// (P9, S5).
func ParseActorPath(raw string) (path ActorPath, ok bool) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}

	pathPart, queryPart := raw, ""
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		pathPart, queryPart = raw[:i], raw[i:]
	}

	if strings.Contains(pathPart, "//") {
		return ActorPath{}, false
	}
	if !strings.HasPrefix(pathPart, gatewayPrefix) {
		return ActorPath{}, false
	}

	rest := pathPart[len(gatewayPrefix):]
	if rest == "" {
		return ActorPath{}, false
	}

	segment, remainingPath := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		segment, remainingPath = rest[:i], rest[i:]
	}
	if segment == "" {
		return ActorPath{}, false
	}

	idPart, tokenPart, hasToken := segment, "", false
	if i := strings.IndexByte(segment, '@'); i >= 0 {
		idPart, tokenPart, hasToken = segment[:i], segment[i+1:], true
		if tokenPart == "" {
			return ActorPath{}, false
		}
	}
	if idPart == "" {
		return ActorPath{}, false
	}

	actorID, err := url.PathUnescape(idPart)
	if err != nil {
		return ActorPath{}, false
	}
	var token string
	if hasToken {
		token, err = url.PathUnescape(tokenPart)
		if err != nil {
			return ActorPath{}, false
		}
	}

	return ActorPath{ActorID: actorID, Token: token, RemainingPath: remainingPath + queryPart}, true
}
