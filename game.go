// Partyboard game transport
//
// Players connect to /ws?uid=<id>&room_id=<n>. Each socket gets a peer.Client
// whose outbound queue is drained by writePump, while readPump decodes frames
// and hands them to the room's event loop. Invitations travel over their own
// socket at /invites?uid=<id>.

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/partyboard/peer"
	"github.com/Seednode/partyboard/room"
)

const (
	sendBuffer     = 64
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	qrSize         = 320
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// reject tells the client why it is being turned away, then hangs up.
func reject(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(room.NewError(room.CodeMissingUIDOrRoom))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(room.CodeMissingUIDOrRoom)))
	_ = conn.Close()
}

func (s *server) serveGame() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug().Err(err).Str("client", realIP(r)).Msg("upgrade failed")
			return
		}

		q := r.URL.Query()
		uid := strings.TrimSpace(q.Get("uid"))
		roomID, err := strconv.Atoi(q.Get("room_id"))
		if uid == "" || err != nil || roomID <= 0 {
			reject(conn)
			return
		}

		client := peer.NewClient(uid, sendBuffer)

		rm, err := s.games.Join(roomID, client)
		if err != nil {
			s.log.Warn().Err(err).Int("room_id", roomID).Msg("join refused")
			_ = conn.Close()
			return
		}

		s.log.Info().Str("uid", uid).Int("room_id", roomID).Str("client", realIP(r)).Msg("player connected")

		go writePump(conn, client)
		readPump(conn, func(data []byte) {
			var msg room.Inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			rm.Handle(client, msg)
		})

		rm.Leave(client)

		s.log.Info().Str("uid", uid).Int("room_id", roomID).Msg("player disconnected")
	}
}

func (s *server) serveInvites() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug().Err(err).Str("client", realIP(r)).Msg("upgrade failed")
			return
		}

		uid := strings.TrimSpace(r.URL.Query().Get("uid"))
		if uid == "" {
			reject(conn)
			return
		}

		client := peer.NewClient(uid, sendBuffer)
		s.invites.Register(client)
		defer s.invites.Unregister(client)

		go writePump(conn, client)
		readPump(conn, func(data []byte) {
			s.invites.HandleFrame(client, data)
		})
	}
}

// readPump feeds every text frame to handle until the socket fails.
func readPump(conn *websocket.Conn, handle func([]byte)) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		handle(data)
	}
}

// writePump owns all writes to conn. It exits when the client is closed.
func writePump(conn *websocket.Conn, c *peer.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// joinLink is the URL a QR code sends players to for a given room.
func (s *server) joinLink(r *http.Request, roomID int) string {
	base := s.cfg.joinURL
	if base == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
			scheme = "wss"
		}

		base = scheme + "://" + r.Host + s.cfg.prefix + "/ws"
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}

	return base + sep + "room_id=" + strconv.Itoa(roomID)
}

func (s *server) serveQR() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID, err := strconv.Atoi(ps.ByName("room_id"))
		if err != nil || roomID <= 0 {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		png, err := qrcode.Encode(s.joinLink(r, roomID), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		securityHeaders(s.cfg, w)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		_, _ = w.Write(png)
	}
}
