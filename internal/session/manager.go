package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/protocol"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one connected dashboard. Outgoing messages are queued and
// written by a dedicated goroutine so a slow browser never stalls the
// process output readers that feed broadcasts.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn         Conn
	writeTimeout time.Duration
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once

	mu       sync.Mutex
	projects map[string]bool // empty means every project
	logs     bool
	dropped  int
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("[WS] Write to session %s failed: %v", s.ID, err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the writer and closes the connection. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues msg for the client. A full queue drops the message.
func (s *Session) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.enqueue(data)
	return nil
}

// SendError sends an error message to the client
func (s *Session) SendError(code, message string) error {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	return s.Send(msg)
}

func (s *Session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		log.Warnf("[WS] Session %s queue full, dropped message (%d so far)", s.ID, dropped)
		return false
	}
}

// Subscribe replaces the session's filter.
func (s *Session) Subscribe(p protocol.SubscribePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = make(map[string]bool, len(p.ProjectIDs))
	for _, id := range p.ProjectIDs {
		s.projects[id] = true
	}
	s.logs = p.Logs
}

// Wants reports whether a message about projectID should reach this session.
func (s *Session) Wants(projectID string, isLog bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isLog && !s.logs {
		return false
	}
	return len(s.projects) == 0 || s.projects[projectID]
}

// Manager tracks connected sessions and fans messages out to them.
type Manager struct {
	sessions sync.Map // map[sessionID]*Session

	QueueSize    int
	WriteTimeout time.Duration
}

// NewManager creates a new session manager
func NewManager() *Manager {
	return &Manager{
		QueueSize:    defaultQueueSize,
		WriteTimeout: defaultWriteTimeout,
	}
}

// CreateSession registers conn and starts its writer.
func (m *Manager) CreateSession(conn Conn) *Session {
	sess := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    time.Now(),
		conn:         conn,
		writeTimeout: m.WriteTimeout,
		out:          make(chan []byte, m.QueueSize),
		done:         make(chan struct{}),
		projects:     make(map[string]bool),
	}
	m.sessions.Store(sess.ID, sess)
	go sess.writeLoop()

	log.Debugf("[WS] Created session %s", sess.ID)
	return sess
}

// RemoveSession closes and forgets a session.
func (m *Manager) RemoveSession(sessionID string) {
	if val, ok := m.sessions.LoadAndDelete(sessionID); ok {
		sess := val.(*Session)
		sess.Close()
		log.Debugf("[WS] Session %s removed after %s", sessionID, time.Since(sess.CreatedAt).Round(time.Millisecond))
	}
}

// Count returns the number of connected sessions.
func (m *Manager) Count() int {
	count := 0
	m.sessions.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// Broadcast queues msg for every session interested in projectID and
// returns how many accepted it.
func (m *Manager) Broadcast(projectID string, msg *protocol.Message, isLog bool) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("[WS] Failed to encode %s broadcast: %v", msg.Type, err)
		return 0
	}

	delivered := 0
	m.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if sess.Wants(projectID, isLog) && sess.enqueue(data) {
			delivered++
		}
		return true
	})
	return delivered
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(key, value interface{}) bool {
		m.RemoveSession(key.(string))
		return true
	})
}
