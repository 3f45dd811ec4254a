package supervisor

import "sync"

// logBuffer is a thread-safe, bounded byte buffer that drops old data when
// the capacity is exceeded. Captures a worker's stdout or stderr.
type logBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written, including dropped
}

func newLogBuffer(maxBytes int) *logBuffer {
	initial := maxBytes
	if initial > 4096 {
		initial = 4096
	}
	return &logBuffer{
		data: make([]byte, 0, initial),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Thread-safe.
func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.data = append(lb.data, p...)
	lb.written += int64(len(p))
	if len(lb.data) > lb.max {
		lb.data = lb.data[len(lb.data)-lb.max:]
	}
	return len(p), nil
}

// String returns the full buffered content.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return string(lb.data)
}

// TotalWritten returns the total number of bytes ever written, including
// bytes dropped on overflow. Offsets handed to ReadFrom are in these terms.
func (lb *logBuffer) TotalWritten() int64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.written
}

// ReadFrom returns content from the given total-written offset onward. If
// the offset points at data already dropped, reading starts from the oldest
// byte still buffered.
func (lb *logBuffer) ReadFrom(offset int64) string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	dropped := lb.written - int64(len(lb.data))
	local := offset - dropped
	if local < 0 {
		local = 0
	}
	if local >= int64(len(lb.data)) {
		return ""
	}
	return string(lb.data[local:])
}
