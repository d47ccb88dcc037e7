package input

// Allocator is the memory capability a host shares with plugins that draw
// into a UI library instance owned by the host. Any UI-owned allocation
// crossing the host/plugin boundary goes through it.
type Allocator interface {
	Alloc(size int) []byte
	Free(buf []byte)
}

// UIContext is handed to UIInitializer plugins. Context is the host's UI
// library context and is never interpreted by this package.
type UIContext struct {
	Allocator Allocator
	Context   interface{}
}
