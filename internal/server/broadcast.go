package server

import (
	"context"
	"html/template"
	"net/http"
	"strings"
	"sync"

	"github.com/Tyrowin/echorelay/internal/config"
	"github.com/Tyrowin/echorelay/internal/dispatch"
	"github.com/Tyrowin/echorelay/internal/protocol"
	"github.com/Tyrowin/echorelay/internal/transport"
)

// History is the list of messages sent through the admin broadcast trigger.
// It grows without bound for the lifetime of the process.
type History struct {
	mu       sync.RWMutex
	messages []string
}

// Append records message.
func (h *History) Append(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, message)
}

// Messages returns a copy of the history in send order.
func (h *History) Messages() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.messages...)
}

// Len returns the number of recorded messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// BroadcastResult reports, per mode, whether the last send attempt succeeded.
type BroadcastResult struct {
	Hub bool
	Raw bool
}

// Broadcast pushes message to every hub client as an OnBroadcast invocation
// and to every raw client as a plain text frame, then records it in the
// history. With the group hub variant only members of the configured group
// receive the hub invocation.
func (s *Server) Broadcast(ctx context.Context, message string) (BroadcastResult, error) {
	msg, err := protocol.NewInvocation("", dispatch.TargetBroadcast, message)
	if err != nil {
		return BroadcastResult{}, err
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return BroadcastResult{}, err
	}

	var res BroadcastResult
	hubFrame := transport.Text(payload)
	if s.cfg.Hub.Variant == config.HubGroup {
		res.Hub = s.hub.fanout.BroadcastGroup(ctx, s.groups, s.cfg.Hub.Group, hubFrame)
	} else {
		res.Hub = s.hub.fanout.BroadcastAll(ctx, hubFrame)
	}
	res.Raw = s.raw.fanout.BroadcastAll(ctx, transport.Text([]byte(message)))

	s.history.Append(message)
	s.logger.Info().Str("message", message).Bool("hub_ok", res.Hub).Bool("raw_ok", res.Raw).Msg("admin broadcast")
	return res, nil
}

var broadcastPage = template.Must(template.New("broadcast").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Echo Relay Broadcast</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        li { margin: 3px 0; }
    </style>
</head>
<body>
    <h1>Broadcast to connected clients</h1>
    <form method="post" action="/broadcast/send">
        <input type="text" name="sendMessage" placeholder="Message..." autofocus>
        <button type="submit">Send</button>
    </form>
    <h2>History</h2>
    {{if .}}<ol>{{range .}}
        <li>{{.}}</li>{{end}}
    </ol>{{else}}<p>No messages sent yet.</p>{{end}}
</body>
</html>
`))

func (s *Server) broadcastPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := broadcastPage.Execute(w, s.history.Messages()); err != nil {
		s.logger.Warn().Err(err).Msg("rendering broadcast page")
	}
}

func (s *Server) broadcastSendHandler(w http.ResponseWriter, r *http.Request) {
	message := strings.TrimSpace(r.FormValue("sendMessage"))
	if message == "" {
		http.Error(w, "sendMessage is required", http.StatusBadRequest)
		return
	}

	if _, err := s.Broadcast(r.Context(), message); err != nil {
		s.logger.Error().Err(err).Msg("broadcast failed")
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/broadcast", http.StatusSeeOther)
}
