// Package config reads YAML configuration documents into trees built by
// package tree, and writes them back.
//
// # Overview
//
// The package is the parse collaborator of the tree builder: it decodes YAML
// with gopkg.in/yaml.v3, turns application tags into the values tree.Construct
// understands, and hands the raw tree over for construction. It also carries
// the tooling built around a loaded tree: CUE schema validation, Starlark
// expressions and hot reload.
//
// # Tags
//
//	!include path          content of another YAML file, relative to the including document
//	!from path             merge one file under the enclosing mapping
//	!from [a.yaml, b.yaml] merge several files left to right
//	!env NAME              environment variable, resolved on every access
//	!env NAME:default      same, with a fallback
//	!expr <starlark>       Starlark expression, evaluated on every access; env is predeclared
//	!obj pkg.Type:         key tag of a single object mapping
//
// Keys of the enclosing mapping take precedence over everything merged in
// with !from. Custom value tags can be added with Loader.RegisterTag.
//
// # Components
//
// Loader: Decodes documents and builds trees. Load resolves the root path to
// an absolute one so nested includes resolve against the right directory.
//
// SchemaValidator: Checks the plain form of a tree against a CUE schema. If the
// schema declares #Config, that definition is used.
//
// StarlarkEvaluator: Evaluates !expr values with a timeout.
//
// Watcher: Watches the root document and every included file with fsnotify
// and reloads after changes settle.
//
// # Usage Example
//
//	root, err := config.LoadConfig("train.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	lr, err := config.GetNode(root, "optimizer.lr")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	out, err := config.ToYAML(root)
//
// # Serialization
//
// ToYAML writes with two-space indentation and separates top-level entries by
// one blank line. Variables are written as the tag they were read from, and
// included mappings as their !include reference unless other content has been
// merged into them since. ToYAMLAt does the same for a file that will live
// in another directory, rewriting the references relative to it.
package config
