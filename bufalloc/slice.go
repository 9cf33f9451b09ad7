package bufalloc

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/framealloc/backend"
	"github.com/vkngwrapper/framealloc/lifetime"
)

// SliceIdentity is the comparable identity of a slice: two slices are equal when they denote the same byte range of
// the same buffer
type SliceIdentity struct {
	Buffer backend.Buffer
	Offset uint64
	Length uint64
}

// Slice is an owned, reference-counted range of a backing buffer. Each handle holds one reference, which Release
// hands to the destroyer so the buffer outlives any GPU work submitted before the release.
//
// A handle must be released exactly once. Use Clone to give another owner its own handle.
type Slice struct {
	backing  *backingBuffer
	offset   uint64
	length   uint64
	released atomic.Bool
}

var _ lifetime.Releaser = &Slice{}

func (s *Slice) Buffer() backend.Buffer { return s.backing.buffer }
func (s *Slice) Offset() uint64         { return s.offset }
func (s *Slice) Length() uint64         { return s.length }
func (s *Slice) Key() BufferKey         { return s.backing.key }

// Dedicated reports whether the slice spans a buffer of its own
func (s *Slice) Dedicated() bool {
	return s.backing.dedicated
}

func (s *Slice) Identity() SliceIdentity {
	return SliceIdentity{Buffer: s.backing.buffer, Offset: s.offset, Length: s.length}
}

func (s *Slice) Equal(other *Slice) bool {
	return s.Identity() == other.Identity()
}

// Map returns host access to the slice's bytes
func (s *Slice) Map() ([]byte, error) {
	s.checkLive()
	return s.backing.buffer.Map(s.offset, s.length)
}

// Write copies data to the start of the slice
func (s *Slice) Write(data []byte) error {
	s.checkLive()
	return writeRange(s.backing.buffer, s.offset, s.length, data)
}

// Clone returns a new handle to the same range, holding its own reference
func (s *Slice) Clone() *Slice {
	s.checkLive()
	s.backing.acquire()
	return &Slice{backing: s.backing, offset: s.offset, length: s.length}
}

// Release gives up this handle's reference. The backing buffer can only be reused or destroyed after the destroyer
// has passed the counter that was current at the time of release.
func (s *Slice) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("slice [%d, %d) of buffer %q was released twice", s.offset, s.offset+s.length, s.backing.buffer.Name()))
	}
	s.backing.allocator.destroyer.Enqueue(sliceReference{backing: s.backing})
}

func (s *Slice) checkLive() {
	if s.released.Load() {
		panic(fmt.Sprintf("slice [%d, %d) of buffer %q was used after it was released", s.offset, s.offset+s.length, s.backing.buffer.Name()))
	}
}

func (s *Slice) String() string {
	return fmt.Sprintf("%s[%d:%d]", s.backing.buffer.Name(), s.offset, s.offset+s.length)
}

// Scope marks the recording of one frame. Frame-scoped slices are only usable with the scope they were allocated
// under, and only until that scope ends.
type Scope struct {
	frame uint64
	ended atomic.Bool
}

func NewScope(frame uint64) *Scope {
	return &Scope{frame: frame}
}

func (s *Scope) Frame() uint64 { return s.frame }

// End invalidates every slice allocated under the scope
func (s *Scope) End() {
	s.ended.Store(true)
}

func (s *Scope) Ended() bool {
	return s.ended.Load()
}

// FrameScopedSlice is a range of a transient allocator's buffer that holds no reference. It is valid while its
// scope is open; every accessor takes the scope and panics if it is not the one the slice was allocated under or
// if it has ended.
type FrameScopedSlice struct {
	scope  *Scope
	buffer backend.Buffer
	key    BufferKey
	offset uint64
	length uint64
}

func (s FrameScopedSlice) check(scope *Scope) {
	if s.scope == nil {
		panic("frame-scoped slice is empty")
	}
	if scope != s.scope {
		panic(fmt.Sprintf("frame-scoped slice from frame %d used with the scope of frame %d", s.scope.frame, scope.Frame()))
	}
	if scope.Ended() {
		panic(fmt.Sprintf("frame-scoped slice used after frame %d ended", scope.frame))
	}
}

// IsZero reports whether s was never allocated
func (s FrameScopedSlice) IsZero() bool {
	return s.scope == nil
}

func (s FrameScopedSlice) Buffer(scope *Scope) backend.Buffer {
	s.check(scope)
	return s.buffer
}

func (s FrameScopedSlice) Offset(scope *Scope) uint64 {
	s.check(scope)
	return s.offset
}

func (s FrameScopedSlice) Length(scope *Scope) uint64 {
	s.check(scope)
	return s.length
}

func (s FrameScopedSlice) Key(scope *Scope) BufferKey {
	s.check(scope)
	return s.key
}

func (s FrameScopedSlice) Identity(scope *Scope) SliceIdentity {
	s.check(scope)
	return SliceIdentity{Buffer: s.buffer, Offset: s.offset, Length: s.length}
}

func (s FrameScopedSlice) Map(scope *Scope) ([]byte, error) {
	s.check(scope)
	return s.buffer.Map(s.offset, s.length)
}

func (s FrameScopedSlice) Write(scope *Scope, data []byte) error {
	s.check(scope)
	return writeRange(s.buffer, s.offset, s.length, data)
}

func writeRange(buffer backend.Buffer, offset, length uint64, data []byte) error {
	if uint64(len(data)) > length {
		return errors.Errorf("cannot write %d bytes to a slice of %d bytes", len(data), length)
	}
	mapped, err := buffer.Map(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(mapped, data)
	return nil
}
