package processes

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// ProcessLogEntry is a single line of output from an instance.
type ProcessLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
}

// LogBuffer keeps the most recent lines of an instance's output in a fixed
// ring. Entry IDs increase monotonically and survive eviction, so a client
// can poll with the last ID it saw.
type LogBuffer struct {
	mu     sync.RWMutex
	ring   []ProcessLogEntry
	head   int // Index of the oldest entry
	size   int
	nextID int64
}

// NewLogBuffer creates a buffer holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{ring: make([]ProcessLogEntry, capacity), nextID: 1}
}

// AddEntry appends a line, evicting the oldest when full.
func (lb *LogBuffer) AddEntry(level, source, message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	entry := ProcessLogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
	}
	lb.nextID++

	if lb.size < len(lb.ring) {
		lb.ring[(lb.head+lb.size)%len(lb.ring)] = entry
		lb.size++
		return
	}
	lb.ring[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.ring)
}

// at returns the i-th oldest entry. Callers hold the lock.
func (lb *LogBuffer) at(i int) ProcessLogEntry {
	return lb.ring[(lb.head+i)%len(lb.ring)]
}

// LatestID is the ID of the newest entry, or 0 if nothing was logged.
func (lb *LogBuffer) LatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.nextID - 1
}

// GetEntriesFromID returns the retained entries with an ID above fromID.
func (lb *LogBuffer) GetEntriesFromID(fromID int64) []ProcessLogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]ProcessLogEntry, 0)
	for i := 0; i < lb.size; i++ {
		if entry := lb.at(i); entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// GetLatestEntries returns up to count of the newest entries, oldest first.
func (lb *LogBuffer) GetLatestEntries(count int) []ProcessLogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count > lb.size {
		count = lb.size
	}
	if count <= 0 {
		return []ProcessLogEntry{}
	}
	result := make([]ProcessLogEntry, count)
	for i := range result {
		result[i] = lb.at(lb.size - count + i)
	}
	return result
}

// outputSink fans the child's output out to the log file and the LogBuffer.
// Bytes reach the file as they arrive; the buffer receives whole lines.
type outputSink struct {
	mu     sync.Mutex
	file   io.Writer
	buffer *LogBuffer
}

func newOutputSink(file io.Writer, buffer *LogBuffer) *outputSink {
	return &outputSink{file: file, buffer: buffer}
}

// Writer returns the writer for one output stream.
func (s *outputSink) Writer(source string) *lineWriter {
	level := "info"
	if source == "stderr" {
		level = "error"
	}
	return &lineWriter{sink: s, source: source, level: level}
}

// lineWriter is used by a single exec copy goroutine.
type lineWriter struct {
	sink    *outputSink
	source  string
	level   string
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.sink.mu.Lock()
	_, err := w.sink.file.Write(p)
	w.sink.mu.Unlock()
	if err != nil {
		return 0, err
	}

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.sink.buffer.AddEntry(w.level, w.source, string(bytes.TrimRight(w.pending[:i], "\r")))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush pushes a trailing partial line into the buffer.
func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.sink.buffer.AddEntry(w.level, w.source, string(w.pending))
		w.pending = nil
	}
}
