package parquetreader

import (
	"github.com/segmentio/parquet-go/format"
)

// SchemaNode mirrors the file schema tree, per spec.md §3 "PCR
// entities / SchemaNode".
type SchemaNode struct {
	Element *format.SchemaElement

	MaxDef                   int
	MaxRep                   int
	DefOfNearestRepeatedAncestor int
	ColIdx                   int // valid only when this node is a leaf
	IsLeaf                   bool

	Parent   *SchemaNode
	Children []*SchemaNode
}

func isRepeated(se *format.SchemaElement) bool {
	return se.RepetitionType != nil && *se.RepetitionType == format.Repeated
}

func isOptional(se *format.SchemaElement) bool {
	return se.RepetitionType != nil && *se.RepetitionType == format.Optional
}

// CreateSchemaTree builds the SchemaNode tree from a flat
// FileMetaData.Schema list (a pre-order flattening, per the Parquet
// format's schema serialization) per spec.md §4.3 Stage A. It returns
// the root; the recursion shares one running index over schema.
func CreateSchemaTree(schema []format.SchemaElement) *SchemaNode {
	colIdx := 0
	idx := 0
	var build func(parent *SchemaNode, parentMaxDef, parentMaxRep, parentRepAncestor int) *SchemaNode
	build = func(parent *SchemaNode, parentMaxDef, parentMaxRep, parentRepAncestor int) *SchemaNode {
		se := &schema[idx]
		idx++

		maxDef := parentMaxDef
		maxRep := parentMaxRep
		repAncestor := parentRepAncestor
		if isOptional(se) {
			maxDef++
		} else if isRepeated(se) {
			maxDef++
			maxRep++
			repAncestor = maxDef
		}

		node := &SchemaNode{
			Element:                      se,
			MaxDef:                       maxDef,
			MaxRep:                       maxRep,
			DefOfNearestRepeatedAncestor: repAncestor,
			Parent:                       parent,
		}

		numChildren := 0
		if se.NumChildren != nil {
			numChildren = int(*se.NumChildren)
		}
		if numChildren == 0 {
			node.IsLeaf = true
			node.ColIdx = colIdx
			colIdx++
			return node
		}
		for i := 0; i < numChildren; i++ {
			child := build(node, maxDef, maxRep, repAncestor)
			node.Children = append(node.Children, child)
		}
		return node
	}
	return build(nil, 0, 0, 0)
}

// ResolvedPath is Stage B's result: the matched node, whether the
// final index names the synthetic array-position slot, and whether
// the path is absent from this file's schema.
type ResolvedPath struct {
	Node    *SchemaNode
	PosField bool
	Missing bool
}

// ResolvePath walks root down a table-relative path: the first index
// selects a table-level (non-partition) child, subsequent indices
// select file-ordinal children, per spec.md §4.3 Stage B. When a step
// lands on the canonical repeated "list" group wrapping a single
// "element" child, the walk descends to "element" without consuming
// another index. Other repeated layouts (legacy two-level lists) get
// no special handling: each index selects one child as it stands.
func ResolvePath(root *SchemaNode, path []int) ResolvedPath {
	node := root
	for _, idx := range path {
		if node == nil || idx < 0 || idx >= len(node.Children) {
			return ResolvedPath{Missing: true}
		}
		child := node.Children[idx]

		// LIST canonical form: repeated group "list" containing a
		// single child "element"; if present, transparently descend
		// through it so callers address the item node directly.
		if isRepeated(child.Element) && len(child.Children) == 1 &&
			child.Element.Name == "list" && child.Children[0].Element.Name == "element" {
			node = child.Children[0]
			continue
		}
		node = child
	}
	return ResolvedPath{Node: node, PosField: node != nil && node.Element.Name == "pos"}
}

// PathForPosition reports whether path names the synthetic
// array-position slot: the conventional trailing "element.pos" (or,
// for bare repeated scalars, a sibling "pos") index a tuple
// descriptor may request instead of materializing the element itself.
func PathForPosition(root *SchemaNode, path []int) bool {
	rp := ResolvePath(root, path)
	if rp.Node == nil {
		return false
	}
	return rp.Node.Element.Name == "pos"
}
