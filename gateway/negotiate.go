package gateway

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/conn"
	"github.com/rivetkit/actorcore/protocol"
	"github.com/rivetkit/actorcore/wire"
)

const (
	headerEncoding   = "x-rivetkit-encoding"
	headerConnParams = "x-rivetkit-conn-params"
	// headerActorQuery carries the caller's logical Key for /resolve
	// (§3.1 "the host resolves Key -> ActorId"); this core only resolves
	// the actor-id already present in the gateway path, and no handler
	// reads this header.
	headerActorQuery   = "x-rivetkit-actor-query"
	headerRequestID    = "x-rivetkit-request-id"
	subprotocolEncJSON = "rivetkit.enc.json"
	subprotocolEncBare = "rivetkit.enc.bare"
	subprotocolParams  = "rivetkit.params."
)

// negotiation is the result of deciding a connection's wire encoding and
// connect params from either WebSocket subprotocol tokens or parallel HTTP
// headers (§6.1).
type negotiation struct {
	encoding wire.Encoding
	params   conn.Params
	// echoSubprotocols are the exact tokens the server recognized and must
	// echo back in its Sec-WebSocket-Protocol response header.
	echoSubprotocols []string
}

// negotiateHTTP decodes encoding/params from the parallel HTTP headers
// (§6.1 "HTTP requests carry parallel headers").
func negotiateHTTP(encodingHeader, paramsHeader string) (negotiation, error) {
	n := negotiation{encoding: protocol.NegotiateEncoding(encodingHeader)}
	if paramsHeader == "" {
		return n, nil
	}
	var p conn.Params
	if err := json.Unmarshal([]byte(paramsHeader), &p); err != nil {
		return negotiation{}, actorerr.InvalidParamsErr(err)
	}
	n.params = p
	return n, nil
}

// negotiateWebSocket decodes encoding/params from the WebSocket
// Sec-WebSocket-Protocol token list: `rivetkit.enc.{json|bare}` and
// `rivetkit.params.{url-encoded-json}`. Absent subprotocol falls back to
// json per §6.1.
func negotiateWebSocket(subprotocolHeader string) (negotiation, error) {
	n := negotiation{encoding: wire.EncodingJSON}
	if subprotocolHeader == "" {
		return n, nil
	}
	for _, raw := range strings.Split(subprotocolHeader, ",") {
		tok := strings.TrimSpace(raw)
		switch {
		case tok == subprotocolEncJSON:
			n.encoding = wire.EncodingJSON
			n.echoSubprotocols = append(n.echoSubprotocols, tok)
		case tok == subprotocolEncBare:
			n.encoding = wire.EncodingBare
			n.echoSubprotocols = append(n.echoSubprotocols, tok)
		case strings.HasPrefix(tok, subprotocolParams):
			encoded := strings.TrimPrefix(tok, subprotocolParams)
			decoded, err := url.QueryUnescape(encoded)
			if err != nil {
				return negotiation{}, actorerr.InvalidParamsErr(err)
			}
			var p conn.Params
			if err := json.Unmarshal([]byte(decoded), &p); err != nil {
				return negotiation{}, actorerr.InvalidParamsErr(err)
			}
			n.params = p
			n.echoSubprotocols = append(n.echoSubprotocols, tok)
		}
	}
	return n, nil
}
