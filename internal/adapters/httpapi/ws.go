package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// negotiator is the optional signaling surface a transport may expose.
type negotiator interface {
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type RoomWSController struct {
	deps Deps
}

func NewRoomWSController(deps Deps) *RoomWSController {
	return &RoomWSController{deps: deps}
}

func (ctl *RoomWSController) HandleRoom(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	roomID := domain.RoomID(c.Param("id"))
	user := ctl.deps.Registry.GetOrCreateUser(sid)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.ws").Msg("ws upgrade")
		return
	}
	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}
	if ctl.deps.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.deps.Cfg.ReadLimit)
	}

	transport := ctl.deps.NewTransport()
	sess := app.NewSession(ctl.deps.Store, transport, user, roomID, ctl.deps.SessionOpts)

	ctx, cancel := context.WithCancel(ctx)
	if err := sess.Join(ctx, c.Query("code")); err != nil {
		ctl.sendJSON(conn, gin.H{"type": "error", "code": errCode(err)})
		cancel()
		conn.Close()
		return
	}
	ctl.deps.Registry.Bind(sid, sess)

	if neg, ok := transport.(negotiator); ok {
		neg.OnICECandidate(func(ci webrtc.ICECandidateInit) {
			ctl.sendJSON(conn, gin.H{"type": "voice_candidate", "candidate": ci})
		})
	}

	go ctl.writePump(ctx, conn)
	go ctl.eventPump(ctx, sid, conn, sess, cancel)
	go ctl.readPump(ctx, sid, conn, sess, transport, cancel)
}

func (ctl *RoomWSController) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "httpapi.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "httpapi.ws").Msg("writePump write error")
				return
			}
		}
	}
}

// eventPump forwards session events until the session terminates, then
// tears the socket down.
func (ctl *RoomWSController) eventPump(ctx context.Context, sid core.SessionID, c *wsConn, sess *app.Session, cancel context.CancelFunc) {
	defer func() {
		ctl.deps.Registry.Unbind(sid)
		cancel()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case core.SnapshotApplied:
				ctl.sendJSON(c, gin.H{"type": "snapshot", "room": roomView(ev.Snapshot)})
			case core.ClaimResolved:
				ctl.sendJSON(c, gin.H{"type": "claim", "seat": ev.Seat, "status": ev.Status.String()})
			case core.GiftDelivered:
				ctl.sendJSON(c, gin.H{"type": "gift", "receipt": ev.Receipt})
			case core.Terminated:
				ctl.sendJSON(c, gin.H{"type": "terminated", "reason": string(ev.Reason)})
				return
			}
		}
	}
}

func (ctl *RoomWSController) readPump(ctx context.Context, sid core.SessionID, c *wsConn, sess *app.Session, transport core.VoiceTransport, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "httpapi.ws").Str("sid", string(sid)).Msg("readPump closing")
		_ = sess.Leave(context.WithoutCancel(ctx))
		cancel()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "httpapi.ws").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			if done := ctl.handleCommand(ctx, c, sess, transport, data); done {
				return
			}
		}
	}
}

// handleCommand dispatches one envelope. Returns true when the client asked
// to leave.
func (ctl *RoomWSController) handleCommand(ctx context.Context, c *wsConn, sess *app.Session, transport core.VoiceTransport, data []byte) bool {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "httpapi.ws").Msg("bad json")
		return false
	}

	switch env.Type {
	case "claim_seat":
		var req struct {
			Seat int `json:"seat"`
		}
		if json.Unmarshal(data, &req) == nil {
			ctl.reply(c, env.Type, sess.ClaimSeat(ctx, req.Seat))
		}
	case "leave_seat":
		ctl.reply(c, env.Type, sess.LeaveSeat(ctx))
	case "mute":
		var req struct {
			Muted bool `json:"muted"`
		}
		if json.Unmarshal(data, &req) == nil {
			ctl.reply(c, env.Type, sess.SetMuted(ctx, req.Muted))
		}
	case "gift":
		ctl.handleGift(ctx, c, sess, data)
	case "moderate":
		var cmd core.Moderate
		if json.Unmarshal(data, &cmd) == nil {
			ctl.reply(c, env.Type, sess.Moderate(ctx, cmd))
		}
	case "chat":
		var req struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(data, &req) == nil && req.Text != "" {
			ctl.reply(c, env.Type, sess.SendChat(ctx, req.Text))
		}
	case "settings_begin":
		d := sess.BeginSettings()
		ctl.sendJSON(c, gin.H{"type": "settings", "name": d.Name, "announcement": d.Announcement})
	case "settings_edit":
		var req struct {
			Name         string `json:"name"`
			Announcement string `json:"announcement"`
		}
		if json.Unmarshal(data, &req) == nil {
			sess.EditSettings(app.SettingsDraft{Name: domain.RoomName(req.Name), Announcement: req.Announcement})
		}
	case "settings_commit":
		ctl.reply(c, env.Type, sess.CommitSettings(ctx))
	case "settings_discard":
		sess.DiscardSettings()
	case "voice_offer":
		ctl.handleOffer(c, transport, data)
	case "voice_candidate":
		ctl.handleCandidate(transport, data)
	case "leave":
		_ = sess.Leave(ctx)
		return true
	default:
		log.Warn().Str("module", "httpapi.ws").Str("type", env.Type).Msg("unknown command")
	}
	return false
}

// handleGift loads the gift from the catalog so unit cost never comes from
// the client.
func (ctl *RoomWSController) handleGift(ctx context.Context, c *wsConn, sess *app.Session, data []byte) {
	var req struct {
		Gift       string `json:"gift"`
		Targets    []int  `json:"targets"`
		Multiplier int    `json:"multiplier"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	doc, err := ctl.deps.Store.Get(ctx, "gifts", req.Gift)
	if err != nil {
		ctl.sendJSON(c, gin.H{"type": "error", "op": "gift", "code": errCode(err)})
		return
	}
	unitCost, _ := strconv.ParseInt(doc["unit_cost"], 10, 64)
	gift := domain.Gift{
		ID:       domain.GiftID(req.Gift),
		Name:     doc["name"],
		UnitCost: unitCost,
		Animated: doc["animated"] == "1",
	}
	if _, err := sess.SendGift(ctx, gift, req.Targets, req.Multiplier); err != nil {
		ctl.sendJSON(c, gin.H{"type": "error", "op": "gift", "code": errCode(err)})
	}
}

func (ctl *RoomWSController) handleOffer(c *wsConn, transport core.VoiceTransport, data []byte) {
	neg, ok := transport.(negotiator)
	if !ok {
		return
	}
	var req struct {
		SDP webrtc.SessionDescription `json:"sdp"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	answer, err := neg.ApplyOfferAndCreateAnswer(req.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.ws").Msg("offer handling")
		ctl.sendJSON(c, gin.H{"type": "error", "op": "voice_offer", "code": "transport"})
		return
	}
	ctl.sendJSON(c, gin.H{"type": "voice_answer", "sdp": answer})
}

func (ctl *RoomWSController) handleCandidate(transport core.VoiceTransport, data []byte) {
	neg, ok := transport.(negotiator)
	if !ok {
		return
	}
	var req struct {
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if err := neg.AddICECandidate(req.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "httpapi.ws").Msg("ice candidate")
	}
}

// reply acks a command, surfacing the error taxonomy as a short code.
func (ctl *RoomWSController) reply(c *wsConn, op string, err error) {
	if err == nil {
		return
	}
	ctl.sendJSON(c, gin.H{"type": "error", "op": op, "code": errCode(err)})
}

func (ctl *RoomWSController) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.ws").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
