// Package invite relays game invitations between users who are online.
// It shares nothing with running games.
package invite

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/partyboard/peer"
)

const TypePush = "invite.push"

// Text is a JSON string that also accepts a bare number, so ids may be
// sent either way.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*t = Text(n.String())

	return nil
}

// Push is sent by the inviting user. RoomID is relayed exactly as sent.
type Push struct {
	Type         string          `json:"type"`
	ToUserID     Text            `json:"to_user_id"`
	InviteID     Text            `json:"invite_id"`
	RoomID       json.RawMessage `json:"room_id,omitempty"`
	FromUserID   Text            `json:"from_user_id"`
	FromUsername string          `json:"from_username"`
	FromAvatar   string          `json:"from_avatar"`
}

// Invite is what the invited user receives.
type Invite struct {
	Type         string          `json:"type"` // "invite"
	ToUserID     Text            `json:"to_user_id"`
	InviteID     Text            `json:"invite_id"`
	RoomID       json.RawMessage `json:"room_id,omitempty"`
	FromUserID   Text            `json:"from_user_id"`
	FromUsername string          `json:"from_username"`
	FromAvatar   string          `json:"from_avatar"`
	TS           int64           `json:"ts"`
}

type Ack struct {
	Type      string `json:"type"` // "invite.ack"
	InviteID  Text   `json:"invite_id,omitempty"`
	Delivered bool   `json:"delivered"`
}

type Relay struct {
	log zerolog.Logger
	now func() time.Time

	mu    sync.Mutex
	conns map[string]*peer.Client
}

func NewRelay(log zerolog.Logger) *Relay {
	return &Relay{
		log:   log,
		now:   time.Now,
		conns: make(map[string]*peer.Client),
	}
}

// Register makes c the live connection for its user, replacing any older one.
func (r *Relay) Register(c *peer.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[c.UID()]; ok && old != c {
		old.Close()
	}
	r.conns[c.UID()] = c
}

// Unregister forgets c if it is still its user's live connection.
func (r *Relay) Unregister(c *peer.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.UID()] == c {
		delete(r.conns, c.UID())
	}
	c.Close()
}

func (r *Relay) Online(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.conns[uid]
	return ok
}

// HandleFrame decodes one frame from the invite socket. Frames of other
// types are ignored; an invite.push that cannot be decoded is still
// acknowledged as undelivered.
func (r *Relay) HandleFrame(from *peer.Client, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type != TypePush {
		return
	}

	var p Push
	if err := json.Unmarshal(data, &p); err != nil {
		r.log.Debug().Err(err).Str("from", from.UID()).Msg("malformed invite")
		from.Send(Ack{Type: "invite.ack", Delivered: false})
		return
	}

	r.Push(from, p)
}

// Push forwards p to its target and acknowledges the sender.
func (r *Relay) Push(from *peer.Client, p Push) bool {
	delivered := false

	if p.ToUserID != "" {
		r.mu.Lock()
		target, ok := r.conns[string(p.ToUserID)]
		r.mu.Unlock()

		delivered = ok && target.Send(Invite{
			Type:         "invite",
			ToUserID:     p.ToUserID,
			InviteID:     p.InviteID,
			RoomID:       p.RoomID,
			FromUserID:   p.FromUserID,
			FromUsername: p.FromUsername,
			FromAvatar:   p.FromAvatar,
			TS:           r.now().UnixMilli(),
		})
	}

	r.log.Debug().Str("from", from.UID()).Str("to", string(p.ToUserID)).Str("invite_id", string(p.InviteID)).
		Bool("delivered", delivered).Msg("invite pushed")

	from.Send(Ack{Type: "invite.ack", InviteID: p.InviteID, Delivered: delivered})

	return delivered
}
