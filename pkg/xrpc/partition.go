package xrpc

// Groups holds the calls of one batch per destination. Destinations iterate
// in first-seen order and calls keep their batch order.
type Groups struct {
	order []string
	calls map[string][]*Call
}

// Partition groups calls by destination in a single pass.
func Partition(calls []*Call) *Groups {
	g := &Groups{calls: make(map[string][]*Call)}
	for _, c := range calls {
		if _, ok := g.calls[c.Destination]; !ok {
			g.order = append(g.order, c.Destination)
		}
		g.calls[c.Destination] = append(g.calls[c.Destination], c)
	}
	return g
}

func (g *Groups) Destinations() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Groups) Calls(destination string) []*Call {
	return g.calls[destination]
}

func (g *Groups) Len() int {
	return len(g.order)
}
