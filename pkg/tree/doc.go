// Package tree implements the typed configuration tree behind xpipe
// configuration files.
//
// # Overview
//
// A parsed document (ordered mappings, sequences, primitives and tag values
// produced by the parse collaborator in pkg/config) is turned into a tree of
// nodes by Construct. Each raw value is classified once by Classify:
//
//   - a node that already exists is passed through and rebound
//   - a tag value is built as the kind it declares (variables, includes, !from)
//   - a one-key mapping keyed by an ObjectKey becomes a SingleObject
//   - a non-empty list of such mappings becomes an ObjectsList
//   - any other list becomes a Sequence
//   - a primitive becomes a Scalar
//   - any other mapping becomes a Mapping
//
// # Includes
//
// An IncludeRef is resolved relative to the base document of the node that
// holds it (see GetBase): the nearest ancestor that is the root or was
// itself included. Including a file that is already an ancestor fails with
// ErrCircularReference.
//
// # Merging
//
// Merge and MergePair combine mappings; only nested mappings are merged key
// by key, every other value is replaced. A mapping holding a !from directive
// is replaced at construction time by merge(includes, mapping).
//
// # Paths
//
//	node, err := tree.GetNode(root, "model/optimizer.lr")
//	parent, err := tree.GetNode(node, "..")
//
// # Objects
//
// SingleObject.Build hands the unwrapped parameters to a Factory. Registry is
// a Factory backed by a table of constructors:
//
//	reg := tree.NewRegistry()
//	reg.MustRegister("nn.Linear", newLinear)
//	obj, _ := root.GetObject("layer")
//	layer, err := obj.Build(reg, map[string]any{"bias": false})
//
// # Thread Safety
//
// Trees are not safe for concurrent mutation. A built tree may be shared
// read-only. Registry is safe for concurrent use.
package tree
