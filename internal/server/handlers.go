package server

import (
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades GET requests to WebSocket and registers the new
// connection with the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr)
	if !s.hub.Register(client) {
		client.closeConnection()
	}
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Roomchat server is running!")
}

// TestPageHandler serves a small browser client for trying rooms and private
// messages by hand.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn("Error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Roomchat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Roomchat WebSocket Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="username" placeholder="Username">
        <input type="text" id="room" placeholder="Room">
        <button onclick="connect()">Connect</button>
        <button onclick="join()">Join</button>
    </div>
    <div id="users"></div>
    <div id="messages"></div>
    <div>
        <input type="text" id="recipient" placeholder="Recipient (optional)">
        <input type="text" id="text" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>
    <script>
        let ws = null;
        const $ = id => document.getElementById(id);

        function log(line) {
            const el = document.createElement('div');
            el.textContent = line;
            $('messages').appendChild(el);
            $('messages').scrollTop = $('messages').scrollHeight;
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => {
                $('status').textContent = 'Connected';
                $('status').className = 'status connected';
                emit('userOnline', $('username').value);
            };
            ws.onmessage = e => {
                const frame = JSON.parse(e.data);
                switch (frame.event) {
                case 'onlineUsers': $('users').textContent = 'Online: ' + frame.data.join(', '); break;
                case 'roomUsers': log('[' + frame.data.room + '] ' + frame.data.users.join(', ')); break;
                case 'roomHistory': frame.data.forEach(m => log(m.sender + ': ' + m.text)); break;
                case 'chatMessage': log(frame.data.sender + ': ' + frame.data.text); break;
                case 'privateMessage': log('(private) ' + frame.data.sender + ': ' + frame.data.text); break;
                default: log(frame.event + ' ' + JSON.stringify(frame.data));
                }
            };
            ws.onclose = () => {
                $('status').textContent = 'Disconnected';
                $('status').className = 'status disconnected';
                ws = null;
            };
        }

        function join() {
            emit('joinRoom', {username: $('username').value, room: $('room').value});
        }

        function sendMessage() {
            const text = $('text').value.trim();
            if (!text) return;
            if ($('recipient').value) {
                emit('privateMessage', {sender: $('username').value, recipient: $('recipient').value, text: text});
            } else {
                emit('chatMessage', {sender: $('username').value, room: $('room').value, text: text});
            }
            $('text').value = '';
        }
    </script>
</body>
</html>`
