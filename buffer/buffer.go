// Package buffer implements a fixed-capacity, zero-copy FIFO byte buffer.
//
// The buffer owns a byte region and two cursors, rpos and wpos, satisfying
// the invariant 0 <= rpos <= wpos <= capacity. Reads and writes hand out
// contiguous slices of the buffer's own storage to a caller-supplied
// callback instead of copying through an intermediate staging buffer, which
// lets USB packet I/O use the buffer as its packet staging area directly.
// Compaction — sliding the live [rpos, wpos) window back to offset 0 — only
// happens lazily, when a write cannot otherwise proceed.
package buffer

// Store provides mutable access to a fixed-length byte region backing a
// Buffer. Implementations need only expose the region; Buffer owns all
// cursor logic. A trait-style interface is used here rather than a class
// hierarchy so that callers may supply inline arrays, heap slices, or
// memory-mapped regions interchangeably.
type Store interface {
	// Bytes returns the full backing region. Its length is the buffer's
	// capacity; only [rpos, wpos) of it is ever considered valid data.
	Bytes() []byte
}

// DefaultCapacity is the capacity of an InlineStore and the buffer returned
// by NewDefault.
const DefaultCapacity = 128

// InlineStore is the default Store: a fixed 128-byte array embedded
// directly in the struct, avoiding a heap allocation for the common case.
type InlineStore struct {
	data [DefaultCapacity]byte
}

// Bytes returns the backing array as a slice.
func (s *InlineStore) Bytes() []byte {
	return s.data[:]
}

// SliceStore adapts a caller-provided byte slice to the Store interface,
// for callers that need a capacity other than DefaultCapacity.
type SliceStore []byte

// Bytes returns the underlying slice.
func (s SliceStore) Bytes() []byte {
	return []byte(s)
}

// Buffer is a fixed-capacity FIFO byte buffer over a Store.
type Buffer struct {
	store Store
	rpos  int
	wpos  int
}

// New creates a Buffer backed by store. The region is not zeroed; only
// [rpos, wpos) — initially empty — is ever read.
func New(store Store) *Buffer {
	return &Buffer{store: store}
}

// NewDefault creates a Buffer with the default 128-byte inline backing.
func NewDefault() *Buffer {
	return New(&InlineStore{})
}

// NewSize creates a Buffer backed by a freshly allocated slice of the given
// capacity.
func NewSize(capacity int) *Buffer {
	return New(SliceStore(make([]byte, capacity)))
}

// data returns the backing region.
func (b *Buffer) data() []byte {
	return b.store.Bytes()
}

// Capacity returns the total size of the backing region.
func (b *Buffer) Capacity() int {
	return len(b.data())
}

// Clear resets both cursors, discarding all buffered data.
func (b *Buffer) Clear() {
	b.rpos = 0
	b.wpos = 0
}

// AvailableRead returns the number of bytes available for reading.
func (b *Buffer) AvailableRead() int {
	return b.wpos - b.rpos
}

// AvailableWrite returns the number of bytes available for writing,
// including bytes reclaimable via compaction.
func (b *Buffer) AvailableWrite() int {
	return b.availableWriteContig() + b.rpos
}

// availableWriteContig returns the contiguous tail room without compaction.
func (b *Buffer) availableWriteContig() int {
	return b.Capacity() - b.wpos
}

// Write copies as much of data as fits into the buffer and returns the
// number of bytes copied. It never fails: if data doesn't fit even after
// compaction, the excess is simply dropped.
func (b *Buffer) Write(data []byte) int {
	if len(data) > b.availableWriteContig() && b.rpos > 0 {
		b.discardAlreadyRead()
	}

	count := min(b.AvailableWrite(), len(data))
	if count == 0 {
		return 0
	}

	copy(b.data()[b.wpos:b.wpos+count], data[:count])
	b.wpos += count
	return count
}

// WriteAll reserves up to maxCount bytes of contiguous tail space (compacting
// first if necessary) and passes a slice over exactly that many bytes to f.
// f must return the number of bytes it actually wrote, which may be less
// than maxCount, or an error. If maxCount bytes don't fit even after
// compaction, WriteAll returns (0, nil) without invoking f. On error, wpos
// is left unchanged.
func (b *Buffer) WriteAll(maxCount int, f func([]byte) (int, error)) (int, error) {
	if maxCount > b.availableWriteContig() {
		if maxCount > b.AvailableWrite() {
			return 0, nil
		}
		b.discardAlreadyRead()
	}

	n, err := f(b.data()[b.wpos : b.wpos+maxCount])
	if err != nil {
		return 0, err
	}
	b.wpos += n
	return n, nil
}

// Read passes a slice of min(maxCount, AvailableRead()) readable bytes to f.
// f must return the number of bytes it actually consumed, which may be less
// than the slice length, or an error. On success rpos advances by that
// count; on error rpos is left unchanged.
func (b *Buffer) Read(maxCount int, f func([]byte) (int, error)) (int, error) {
	count := min(maxCount, b.AvailableRead())

	n, err := f(b.data()[b.rpos : b.rpos+count])
	if err != nil {
		return 0, err
	}
	b.rpos += n
	return n, nil
}

// discardAlreadyRead slides the live [rpos, wpos) window down to offset 0.
// This is the only operation that moves existing bytes; copy is safe for
// overlapping source and destination.
func (b *Buffer) discardAlreadyRead() {
	copy(b.data(), b.data()[b.rpos:b.wpos])
	b.wpos -= b.rpos
	b.rpos = 0
}
