package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/roeeharel/project-dashboard/internal/protocol"
	"github.com/roeeharel/project-dashboard/internal/session"
)

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("[WS] WebSocket upgrade failed: %v", err)
		return
	}

	sess := s.sessions.CreateSession(conn)
	log.Debugf("[WS] New connection from %s, session=%s", conn.RemoteAddr(), sess.ID)

	if err := s.sendHello(sess); err != nil {
		log.Warnf("[WS] Failed to send snapshot to %s: %v", sess.ID, err)
	}
	go s.handleConnection(sess, conn)
}

func (s *Server) sendHello(sess *session.Session) error {
	doc, err := s.state.Load()
	if err != nil {
		return err
	}
	cfg := s.loader.Current()
	projects := make([]protocol.ProjectStatus, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, s.statusFrom(p, doc.Runtime(p.ID)))
	}
	msg, err := protocol.NewMessage(protocol.TypeHello, protocol.HelloPayload{
		SessionID: sess.ID,
		Projects:  projects,
	})
	if err != nil {
		return err
	}
	return sess.Send(msg)
}

// handleConnection reads client messages until the connection closes.
func (s *Server) handleConnection(sess *session.Session, conn *websocket.Conn) {
	defer s.sessions.RemoveSession(sess.ID)

	remoteAddr := conn.RemoteAddr().String()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("[WS] Read error from %s: %v", remoteAddr, err)
			} else {
				log.Debugf("[WS] Connection closed from %s", remoteAddr)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warnf("[WS] Failed to parse message from %s: %v", remoteAddr, err)
			sess.SendError("INVALID_MESSAGE", "Failed to parse message")
			continue
		}

		switch msg.Type {
		case protocol.TypeSubscribe:
			var payload protocol.SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				sess.SendError("INVALID_PAYLOAD", "Invalid subscribe payload")
				continue
			}
			sess.Subscribe(payload)
			log.Debugf("[WS] Session %s subscribed to %v (logs=%t)", sess.ID, payload.ProjectIDs, payload.Logs)
		default:
			log.Warnf("[WS] Unknown message type: %s", msg.Type)
			sess.SendError("UNKNOWN_MESSAGE_TYPE", "Unknown message type: "+msg.Type)
		}
	}
}
