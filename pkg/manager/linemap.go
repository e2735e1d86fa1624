package manager

import "sync"

// LineMappings tracks server-side corrections of requested source lines
// to the lines the agent actually set. The manager consults it before
// saving so a client never again asks for a line known not to host
// executable code. Last write wins per (path, requestedLine).
type LineMappings struct {
	mu sync.Mutex
	m  map[string]map[int]int
}

func NewLineMappings() *LineMappings {
	return &LineMappings{m: make(map[string]map[int]int)}
}

// Add records that requests for requestedLine in path land on actualLine.
func (l *LineMappings) Add(path string, requestedLine, actualLine int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines, ok := l.m[path]
	if !ok {
		lines = make(map[int]int)
		l.m[path] = lines
	}
	lines[requestedLine] = actualLine
}

// Get returns the corrected line for a previously remapped request.
func (l *LineMappings) Get(path string, requestedLine int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	actual, ok := l.m[path][requestedLine]
	return actual, ok
}
