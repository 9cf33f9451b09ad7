package memutils

// Validatable is anything DebugValidate can check for internal consistency: tlsf chunks, sliced buffers and
// whole allocators
type Validatable interface {
	Validate() error
}
