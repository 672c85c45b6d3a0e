package graph

// NewDemo returns a small infrastructure topology matching the hosts the
// synthetic hunt reports on.
func NewDemo() *Graph {
	g := New()
	g.AddNode("internet", map[string]any{KeyType: "external", "zone": "public"})
	g.AddNode("api-gateway", map[string]any{KeyType: "gateway", "zone": "dmz"})
	g.AddNode("web-3", map[string]any{KeyType: "web", "zone": "dmz"})
	g.AddNode("endpoint-1", map[string]any{KeyType: "endpoint", "zone": "corp"})
	g.AddNode("k8s-node-7", map[string]any{KeyType: "k8s-node", "zone": "cluster"})
	g.AddNode("db-2", map[string]any{KeyType: "database", "zone": "data"})

	g.AddEdge("internet", "api-gateway", map[string]any{"protocol": "https"})
	g.AddEdge("api-gateway", "web-3", map[string]any{"protocol": "http"})
	g.AddEdge("api-gateway", "k8s-node-7", map[string]any{"protocol": "grpc"})
	g.AddEdge("web-3", "db-2", map[string]any{"protocol": "postgres"})
	g.AddEdge("k8s-node-7", "db-2", map[string]any{"protocol": "postgres"})
	g.AddEdge("endpoint-1", "api-gateway", map[string]any{"protocol": "https"})
	return g
}
