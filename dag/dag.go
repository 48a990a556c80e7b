// Package dag models the per-connection routing graph from source through
// transformer chains to destinations, and the router that drives entities
// along it with incremental-sync decisions.
package dag

import (
	"fmt"

	"weave.evalgo.org/entity"
	"weave.evalgo.org/transformer"
)

// NodeType discriminates graph nodes.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeEntityKind  NodeType = "entity_kind"
	NodeTransformer NodeType = "transformer"
	NodeDestination NodeType = "destination"
)

// Node is one vertex of a sync DAG. Exactly one of the role fields is set
// according to Type.
type Node struct {
	ID              string
	Type            NodeType
	EntityKind      string
	TransformerName string
	DestinationName string
}

// DAG is the per-connection routing graph. Build with AddNode/AddEdge, then
// Compile once at job start; Compile validates the structural rules and
// resolves transformer names.
type DAG struct {
	nodes map[string]Node
	out   map[string][]string
}

// New returns an empty DAG.
func New() *DAG {
	return &DAG{nodes: make(map[string]Node), out: make(map[string][]string)}
}

// AddNode inserts a node; duplicate ids are replaced.
func (d *DAG) AddNode(n Node) *DAG {
	d.nodes[n.ID] = n
	return d
}

// AddEdge connects from → to.
func (d *DAG) AddEdge(from, to string) *DAG {
	d.out[from] = append(d.out[from], to)
	return d
}

// Route is a compiled chain for one entity kind: the transformers to apply
// in order and the destination their output lands in.
type Route struct {
	Transformers []transformer.Transformer
	Destination  string
}

// Compile validates the graph and resolves each entity-kind node into a
// route. Rules: every entity-kind and transformer node has exactly one
// outgoing edge, every chain terminates in a destination, transformer input
// kinds match the chain, and names resolve in the registry. Violations are
// ErrInvalidDAG.
func (d *DAG) Compile(reg *transformer.Registry) (map[string]Route, error) {
	routes := make(map[string]Route)
	for id, n := range d.nodes {
		if n.Type != NodeEntityKind {
			continue
		}
		if n.EntityKind == "" {
			return nil, fmt.Errorf("%w: entity-kind node %q has no kind", entity.ErrInvalidDAG, id)
		}
		route, err := d.walk(reg, n)
		if err != nil {
			return nil, err
		}
		if _, dup := routes[n.EntityKind]; dup {
			return nil, fmt.Errorf("%w: duplicate route for kind %q", entity.ErrInvalidDAG, n.EntityKind)
		}
		routes[n.EntityKind] = route
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: graph has no entity-kind nodes", entity.ErrInvalidDAG)
	}
	return routes, nil
}

func (d *DAG) walk(reg *transformer.Registry, start Node) (Route, error) {
	var route Route
	currentKind := start.EntityKind
	cur := start
	visited := map[string]bool{start.ID: true}

	for {
		next, err := d.singleOut(cur)
		if err != nil {
			return Route{}, err
		}
		if visited[next.ID] {
			return Route{}, fmt.Errorf("%w: cycle through node %q", entity.ErrInvalidDAG, next.ID)
		}
		visited[next.ID] = true

		switch next.Type {
		case NodeDestination:
			if next.DestinationName == "" {
				return Route{}, fmt.Errorf("%w: destination node %q has no name", entity.ErrInvalidDAG, next.ID)
			}
			route.Destination = next.DestinationName
			return route, nil
		case NodeTransformer:
			t, err := reg.Get(next.TransformerName)
			if err != nil {
				return Route{}, err
			}
			md := t.Metadata()
			if md.InputKind != "" && md.InputKind != "*" && md.InputKind != currentKind {
				return Route{}, fmt.Errorf("%w: transformer %q wants kind %q, chain carries %q",
					entity.ErrInvalidDAG, md.Name, md.InputKind, currentKind)
			}
			if md.OutputKind != "" && md.OutputKind != "*" {
				currentKind = md.OutputKind
			}
			route.Transformers = append(route.Transformers, t)
			cur = next
		default:
			return Route{}, fmt.Errorf("%w: node %q of type %s cannot appear mid-chain",
				entity.ErrInvalidDAG, next.ID, next.Type)
		}
	}
}

func (d *DAG) singleOut(n Node) (Node, error) {
	outs := d.out[n.ID]
	if len(outs) != 1 {
		return Node{}, fmt.Errorf("%w: node %q has %d outgoing edges, want exactly 1",
			entity.ErrInvalidDAG, n.ID, len(outs))
	}
	next, ok := d.nodes[outs[0]]
	if !ok {
		return Node{}, fmt.Errorf("%w: edge from %q to unknown node %q", entity.ErrInvalidDAG, n.ID, outs[0])
	}
	return next, nil
}

// Default builds the standard graph for one connection: files are chunked
// then dense- and sparse-embedded; bare text kinds skip chunking. extra
// kinds (from the connector's declarations) are routed like docs.
func Default(destinationName string, extraKinds ...string) *DAG {
	d := New()
	d.AddNode(Node{ID: "src", Type: NodeSource})
	d.AddNode(Node{ID: "dest", Type: NodeDestination, DestinationName: destinationName})
	d.AddNode(Node{ID: "t-chunk", Type: NodeTransformer, TransformerName: "file_chunker"})
	d.AddNode(Node{ID: "t-neural", Type: NodeTransformer, TransformerName: "neural_embedder"})
	d.AddNode(Node{ID: "t-sparse", Type: NodeTransformer, TransformerName: "sparse_embedder"})

	d.AddNode(Node{ID: "k-file", Type: NodeEntityKind, EntityKind: entity.KindFile})
	d.AddEdge("src", "k-file")
	d.AddEdge("k-file", "t-chunk")
	d.AddEdge("t-chunk", "t-neural")
	d.AddEdge("t-neural", "t-sparse")
	d.AddEdge("t-sparse", "dest")

	kinds := append([]string{"doc", entity.KindTabular}, extraKinds...)
	for i, k := range kinds {
		kid := fmt.Sprintf("k-%d", i)
		nid := fmt.Sprintf("t-neural-%d", i)
		sid := fmt.Sprintf("t-sparse-%d", i)
		d.AddNode(Node{ID: kid, Type: NodeEntityKind, EntityKind: k})
		d.AddNode(Node{ID: nid, Type: NodeTransformer, TransformerName: "neural_embedder"})
		d.AddNode(Node{ID: sid, Type: NodeTransformer, TransformerName: "sparse_embedder"})
		d.AddEdge("src", kid)
		d.AddEdge(kid, nid)
		d.AddEdge(nid, sid)
		d.AddEdge(sid, "dest")
	}
	return d
}
