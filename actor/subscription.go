package actor

import (
	"context"

	"github.com/rivetkit/actorcore/conn"
)

// subscriptionTarget bridges one conn.Conn plus this instance's Hooks.CanInvoke
// callback into protocol.SubscriptionTarget: conn.Conn itself carries no
// authorization decision (that lives on the actor definition, §4.7
// canInvoke), so the dispatcher needs a narrow per-connection view that
// closes over both.
type subscriptionTarget struct {
	conn  *conn.Conn
	hooks Hooks
}

// CanInvoke satisfies protocol.SubscriptionTarget (§4.6 step 4).
func (s *subscriptionTarget) CanInvoke(ctx context.Context, kind, name string) bool {
	if s.hooks.CanInvoke == nil {
		return true
	}
	return s.hooks.CanInvoke(ctx, s.conn, kind, name)
}

// Subscribe satisfies protocol.SubscriptionTarget, delegating straight to
// the underlying connection's subscription set.
func (s *subscriptionTarget) Subscribe(eventName string, subscribe bool) {
	s.conn.Subscribe(eventName, subscribe)
}
