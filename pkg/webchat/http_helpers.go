package webchat

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatagent/pkg/chatagent"
	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

const closeWriteWait = time.Second

// NewWSHTTPHandler upgrades the request and attaches the websocket to the
// conversation named by the {name} path value. Inbound frames are handed to
// the conversation agent one at a time until the peer goes away.
func NewWSHTTPHandler(cm *ConvManager, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if cm == nil {
			http.Error(w, "conversation manager not initialized", http.StatusServiceUnavailable)
			return
		}
		name := req.PathValue("name")
		if name == "" {
			http.Error(w, "missing agent name", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conv, client, err := cm.Attach(name, conn)
		if err != nil {
			log.Error().Err(err).Str("component", "webchat").Str("conv_id", name).Msg("failed to join conversation")
			closeWithReason(conn, websocket.CloseInternalServerErr, "failed to join conversation")
			_ = conn.Close()
			return
		}
		defer cm.Detach(conv, client)

		logger := log.With().Str("component", "webchat").Str("conv_id", name).Str("conn_id", client.ID()).Logger()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					logger.Debug().Err(err).Msg("websocket read failed")
				}
				return
			}
			err = conv.agent.OnMessage(req.Context(), client, frame)
			switch {
			case err == nil:
			case stderrors.Is(err, chatproto.ErrMalformedEnvelope), stderrors.Is(err, chatproto.ErrMalformedBody):
				logger.Error().Err(err).Msg("malformed frame, closing connection")
				closeWithReason(conn, websocket.CloseInvalidFramePayloadData, "malformed envelope")
				return
			case stderrors.Is(err, chatagent.ErrAgentClosed):
				closeWithReason(conn, websocket.CloseGoingAway, "conversation closed")
				return
			case req.Context().Err() != nil:
				return
			default:
				logger.Warn().Err(err).Msg("frame handling failed")
			}
		}
	}
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

// NewGetMessagesHTTPHandler returns the stored log of {name} as a JSON array.
func NewGetMessagesHTTPHandler(cm *ConvManager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conv, err := cm.GetOrCreate(req.PathValue("name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msgs := conv.agent.Messages()
		if msgs == nil {
			msgs = []chatproto.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(msgs); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", conv.ID).Msg("encode messages failed")
		}
	}
}

// NewSaveMessagesHTTPHandler persists the posted messages and runs the chat
// handler headlessly. The exchange continues after the response is written.
func NewSaveMessagesHTTPHandler(cm *ConvManager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var msgs []chatproto.Message
		if err := json.NewDecoder(req.Body).Decode(&msgs); err != nil {
			http.Error(w, "body must be a JSON array of messages", http.StatusBadRequest)
			return
		}
		conv, err := cm.GetOrCreate(req.PathValue("name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		go func() {
			if err := cm.SaveMessages(cm.opts.BaseCtx, conv.ID, msgs); err != nil {
				log.Warn().Err(err).Str("component", "webchat").Str("conv_id", conv.ID).Msg("save messages failed")
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}
