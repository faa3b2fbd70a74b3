package broker

import (
	"slices"
	"strings"
	"sync/atomic"

	"addrbroker/internal/address"
)

// RouteToProperty, when set on a message, names the bindings to route to
// as a comma-separated list and bypasses the routing type.
const RouteToProperty = "_AR_ROUTE_TO"

// Router resolves the bindings a message is routed to. Names that are not
// bound to the address are ignored by the publish path.
type Router interface {
	Route(msg *address.Message, addr *address.Address) []string
}

// BindingRouter is the default router.
//
//	MULTICAST (or both)  every binding gets a copy
//	ANYCAST only         one binding, round robin
type BindingRouter struct {
	next atomic.Uint64
}

func (r *BindingRouter) Route(msg *address.Message, addr *address.Address) []string {
	if to, ok := msg.Properties[RouteToProperty]; ok {
		var names []string
		for _, name := range strings.Split(to, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		return names
	}

	queues := addr.Queues()
	if len(queues) == 0 {
		return nil
	}
	if !slices.Contains(addr.RoutingTypes(), address.Multicast) {
		q := queues[int(r.next.Add(1)-1)%len(queues)]
		return []string{q.Name()}
	}

	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.Name()
	}
	return names
}

// RouterFunc adapts a function to Router.
type RouterFunc func(msg *address.Message, addr *address.Address) []string

func (f RouterFunc) Route(msg *address.Message, addr *address.Address) []string {
	return f(msg, addr)
}
