// Package router implements the signal router (C9): a pure
// strategy_tag -> []account_id lookup. It never fans a signal out to
// every configured account — only the accounts explicitly bound to
// that strategy tag receive it.
package router

import "fmt"

// ErrRoutingEmpty is returned when a strategy tag has no bound
// accounts, either because it was never configured or because every
// bound account has been administratively removed from the mapping.
var ErrRoutingEmpty = fmt.Errorf("router: no accounts bound to strategy tag")

// Router holds the strategy_tag -> accounts mapping loaded from
// configuration.
type Router struct {
	routes map[string][]string
}

// New builds a Router from the given routing table. The input is
// copied so later mutation of the caller's map cannot change routing
// behavior out from under the router.
func New(routes map[string][]string) *Router {
	cp := make(map[string][]string, len(routes))
	for tag, accounts := range routes {
		accCopy := make([]string, len(accounts))
		copy(accCopy, accounts)
		cp[tag] = accCopy
	}
	return &Router{routes: cp}
}

// Route returns the accounts bound to strategyTag. An unknown or
// empty tag returns ErrRoutingEmpty rather than silently routing to
// every account.
func (r *Router) Route(strategyTag string) ([]string, error) {
	accounts, ok := r.routes[strategyTag]
	if !ok || len(accounts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRoutingEmpty, strategyTag)
	}
	out := make([]string, len(accounts))
	copy(out, accounts)
	return out, nil
}

// Tags returns every configured strategy tag.
func (r *Router) Tags() []string {
	tags := make([]string, 0, len(r.routes))
	for t := range r.routes {
		tags = append(tags, t)
	}
	return tags
}
