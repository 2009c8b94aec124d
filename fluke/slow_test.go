package fluke

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/battcycle/comm"
)

type pendingReply struct {
	at   time.Time
	line string
}

// slowMeter answers every query in order with reading(n) for the nth query.
// Queries listed in late are answered that long after they were sent.
type slowMeter struct {
	mu       sync.Mutex
	late     map[int]time.Duration
	queries  int
	due      []pendingReply
	deadline time.Time
}

func (m *slowMeter) reading(n int) float64 {
	return 3.5 + 0.01*float64(n)
}

func (m *slowMeter) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

func (m *slowMeter) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range strings.Split(string(b), DefaultTerminators.Tx) {
		if !strings.HasSuffix(cmd, "?") {
			continue
		}
		m.queries++
		at := time.Now().Add(m.late[m.queries])
		if n := len(m.due); n > 0 && m.due[n-1].at.After(at) {
			at = m.due[n-1].at
		}
		line := strconv.FormatFloat(m.reading(m.queries), 'E', 5, 64) + DefaultTerminators.Rx
		m.due = append(m.due, pendingReply{at: at, line: line})
	}
	return len(b), nil
}

func (m *slowMeter) Read(b []byte) (int, error) {
	for {
		m.mu.Lock()
		now := time.Now()
		if len(m.due) > 0 && !m.due[0].at.After(now) {
			n := copy(b, m.due[0].line)
			m.due = m.due[1:]
			m.mu.Unlock()
			return n, nil
		}
		deadline := m.deadline
		m.mu.Unlock()
		if !now.Before(deadline) {
			return 0, comm.TimeoutError{}
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *slowMeter) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}
