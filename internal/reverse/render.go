// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/coreforge/recordrev/internal/oracle"
)

// WriteHeadersValues emits a per-type catalog: one block per type,
// ordered by size then by lowest instance address, in the
// "# size / # signature / # instances / class ... (Structure)" layout.
func WriteHeadersValues(w io.Writer, histograms map[*RecordType]*TypeHistogram) error {
	var types []*TypeHistogram
	for _, h := range histograms {
		types = append(types, h)
	}
	sort.Slice(types, func(i, j int) bool {
		if types[i].Type.Size != types[j].Type.Size {
			return types[i].Type.Size < types[j].Type.Size
		}
		return minAddr(types[i].Instances) < minAddr(types[j].Instances)
	})

	for _, h := range types {
		sort.Slice(h.Instances, func(i, j int) bool { return h.Instances[i] < h.Instances[j] })
		fmt.Fprintf(w, "# size: %d\n", h.Type.Size)
		fmt.Fprintf(w, "# signature: %s\n", h.Type.Signature())
		fmt.Fprintf(w, "# %d instances\n", len(h.Instances))
		fmt.Fprintf(w, "# @ instances: [%s]\n", joinHex(h.Instances))
		for _, f := range h.Type.Fields {
			name := f.Name
			if name == "" {
				name = fmt.Sprintf("field_%d", f.Offset)
			}
			counts := h.FieldCounts[name]
			fmt.Fprintf(w, "# field: %s values: %s\n", name, Counter(counts))
		}
		fmt.Fprintf(w, "class %s(Structure):  # size:%d\n", typeNameOr(h.Type), h.Type.Size)
		fmt.Fprintf(w, "  _fields_ = [\n")
		for _, f := range h.Type.Fields {
			name := f.Name
			if name == "" {
				name = fmt.Sprintf("field_%d", f.Offset)
			}
			comment := f.Comment
			if comment == "" {
				comment = f.Kind.DisplayName()
			}
			fmt.Fprintf(w, "    ( '%s' , %s ), # %s\n", name, f.Kind.GoSyntax(), comment)
		}
		fmt.Fprintf(w, "  ]\n\n")
	}
	return nil
}

func typeNameOr(t *RecordType) string {
	if t.TypeName == "" {
		return "anonymous"
	}
	return t.TypeName
}

func minAddr(addrs []oracle.Address) oracle.Address {
	if len(addrs) == 0 {
		return 0
	}
	m := addrs[0]
	for _, a := range addrs[1:] {
		if a < m {
			m = a
		}
	}
	return m
}

func joinHex(addrs []oracle.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = fmt.Sprintf("0x%x", uint64(a))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// GEXF document structs. Minimal subset of the GEXF 1.2 schema needed
// to carry directed pointer-graph nodes and edges plus two node
// attributes: heap (hex address string) and weight (record size).
type gexfDoc struct {
	XMLName xml.Name `xml:"gexf"`
	Version string   `xml:"version,attr"`
	Graph   gexfGraph `xml:"graph"`
}

type gexfGraph struct {
	DefaultEdgeType string        `xml:"defaultedgetype,attr"`
	Attributes      gexfAttrDefs  `xml:"attributes"`
	Nodes           gexfNodes     `xml:"nodes"`
	Edges           gexfEdges     `xml:"edges"`
}

type gexfAttrDefs struct {
	Class string     `xml:"class,attr"`
	Defs  []gexfAttr `xml:"attribute"`
}

type gexfAttr struct {
	ID    string `xml:"id,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

type gexfNodes struct {
	List []gexfNode `xml:"node"`
}

type gexfNode struct {
	ID         string         `xml:"id,attr"`
	Label      string         `xml:"label,attr"`
	AttValues  gexfAttValues  `xml:"attvalues"`
}

type gexfAttValues struct {
	Values []gexfAttValue `xml:"attvalue"`
}

type gexfAttValue struct {
	For   string `xml:"for,attr"`
	Value string `xml:"value,attr"`
}

type gexfEdges struct {
	List []gexfEdge `xml:"edge"`
}

type gexfEdge struct {
	ID     string `xml:"id,attr"`
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

// WriteGEXF serializes g as a directed GEXF graph, with "heap" and
// "weight" node attributes, to w.
func WriteGEXF(w io.Writer, g *Graph) error {
	doc := gexfDoc{
		Version: "1.2",
		Graph: gexfGraph{
			DefaultEdgeType: "directed",
			Attributes: gexfAttrDefs{
				Class: "node",
				Defs: []gexfAttr{
					{ID: "0", Title: "heap", Type: "string"},
					{ID: "1", Title: "weight", Type: "integer"},
				},
			},
		},
	}

	var addrs []oracle.Address
	for a := range g.Nodes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, a := range addrs {
		n := g.Nodes[a]
		heapLabel := "external"
		if !n.Virtual {
			heapLabel = fmt.Sprintf("0x%x", uint64(n.Heap))
		}
		doc.Graph.Nodes.List = append(doc.Graph.Nodes.List, gexfNode{
			ID:    fmt.Sprintf("0x%x", uint64(a)),
			Label: n.Label,
			AttValues: gexfAttValues{Values: []gexfAttValue{
				{For: "0", Value: heapLabel},
				{For: "1", Value: fmt.Sprintf("%d", n.Weight)},
			}},
		})
	}

	edgeID := 0
	for _, a := range addrs {
		for _, to := range g.out[a] {
			doc.Graph.Edges.List = append(doc.Graph.Edges.List, gexfEdge{
				ID:     fmt.Sprintf("%d", edgeID),
				Source: fmt.Sprintf("0x%x", uint64(a)),
				Target: fmt.Sprintf("0x%x", uint64(to)),
			})
			edgeID++
		}
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return enc.Encode(doc)
}

// WriteSubdigraph emits a text dump of root's depth-2 out-neighborhood.
func WriteSubdigraph(w io.Writer, g *Graph, root oracle.Address, nodes []oracle.Address) error {
	fmt.Fprintf(w, "# neighborhood of 0x%x\n", uint64(root))
	for _, a := range nodes {
		n := g.Nodes[a]
		fmt.Fprintf(w, "0x%x weight=%d heap=0x%x -> [", uint64(a), n.Weight, uint64(n.Heap))
		for i, to := range g.out[a] {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "0x%x", uint64(to))
		}
		fmt.Fprintln(w, "]")
	}
	return nil
}
