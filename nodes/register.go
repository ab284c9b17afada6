package nodes

import "github.com/enesunal-m/pttflow/flow"

// Register adds every node type in this package to reg.
func Register(reg *flow.Registry) {
	reg.Register(TypeConfig, newConfigNode)
	reg.Register(TypeRX, newRXNode)
	reg.Register(TypeTX, newTXNode)
	reg.Register(TypeLookup, newLookupNode)
	reg.Register(TypeEncode, newEncodeNode)
	reg.Register(TypeFetch, newFetchNode)
	reg.Register(TypeTranscribe, newTranscribeNode)
	reg.Register(TypeTranslate, newTranslateNode)
	reg.Register(TypeJQ, newJQNode)
	reg.Register(TypeDebug, newDebugNode)
}

// NewRegistry returns a registry holding this package's node types.
func NewRegistry() *flow.Registry {
	reg := flow.NewRegistry()
	Register(reg)
	return reg
}
