package region

// Flusher makes the n bytes at off of the mapping durable and orders them
// before any later write. It stands in for a cache-line flush followed by a
// fence on real persistent memory.
type Flusher interface {
	Flush(data []byte, off, n int) error
}

// MsyncFlusher writes the pages covering the range back to the file and
// waits for completion.
type MsyncFlusher struct{}

func (MsyncFlusher) Flush(data []byte, off, n int) error {
	if n <= 0 {
		return nil
	}
	start := off &^ (pageSize - 1)
	end := off + n
	return msync(data[start:end])
}

// NopFlusher relies on the page cache alone. Writes survive a process crash
// but not a power loss.
type NopFlusher struct{}

func (NopFlusher) Flush([]byte, int, int) error {
	return nil
}
