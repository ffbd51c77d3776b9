// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, the room listing, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
)

// WebSocketHandler upgrades GET requests to WebSocket and hands the new
// connection to the hub, which launches its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.config)
	if !s.hub.Register(client) {
		log.Printf("Hub is shut down; closing connection from %s", r.RemoteAddr)
		_ = conn.Close()
	}
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat relay is running!")
}

// RoomInfo is one entry of the /rooms listing.
type RoomInfo struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// RoomsHandler lists every non-empty room with its member count.
func (s *Server) RoomsHandler(w http.ResponseWriter, _ *http.Request) {
	counts := s.hub.Rooms().Rooms()
	rooms := make([]RoomInfo, 0, len(counts))
	for room, members := range counts {
		rooms = append(rooms, RoomInfo{Room: room, Members: members})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Room < rooms[j].Room })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rooms); err != nil {
		log.Printf("Error writing rooms response: %v", err)
	}
}

// TestPageHandler serves an HTML page that joins a room and exchanges
// messages over the event protocol.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .mine { color: blue; text-align: right; }
        .theirs { color: green; }
    </style>
</head>
<body>
    <h1>roomchat</h1>
    <div>
        <input type="text" id="user" placeholder="Username">
        <input type="text" id="room" placeholder="Room ID">
        <button onclick="join()">Join</button>
    </div>
    <div>
        <input type="text" id="msg" placeholder="Type a message..." disabled>
        <button id="send" onclick="send()" disabled>Send</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null, user = "", room = "", chat = [];
        const messages = document.getElementById('messages');

        function render() {
            messages.innerHTML = '';
            for (const m of chat) {
                const el = document.createElement('div');
                el.className = m.user === user ? 'mine' : 'theirs';
                el.textContent = m.user + ': ' + m.msg + ' (' + m.time.slice(11, 16) + ')';
                messages.appendChild(el);
            }
            messages.scrollTop = messages.scrollHeight;
        }

        function save() { localStorage.setItem('chat-' + room, JSON.stringify(chat)); }

        function merge(m) {
            if (chat.some(c => c.user === m.user && c.time === m.time)) return;
            chat.push(m); save(); render();
        }

        function join() {
            user = document.getElementById('user').value.trim();
            room = document.getElementById('room').value.trim();
            if (!user || !room) return;
            chat = JSON.parse(localStorage.getItem('chat-' + room) || '[]');
            render();
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            ws.onopen = () => {
                ws.send(JSON.stringify({event: 'join_room', data: room}));
                setTimeout(() => {
                    document.getElementById('msg').disabled = false;
                    document.getElementById('send').disabled = false;
                }, 4000);
            };
            ws.onmessage = (event) => {
                for (const line of event.data.split('\n')) {
                    if (!line) continue;
                    const env = JSON.parse(line);
                    if (env.event === 'receive_msg') merge(env.data);
                }
            };
        }

        function send() {
            const input = document.getElementById('msg');
            const text = input.value;
            if (!text || !ws) return;
            const m = {roomId: room, user: user, msg: text, time: new Date().toISOString()};
            chat.push(m); save(); render();
            ws.send(JSON.stringify({event: 'send_msg', data: m}));
            input.value = '';
        }
    </script>
</body>
</html>`
