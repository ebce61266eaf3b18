package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the connection and hands it to the
// hub, which runs a session for it.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws, r.RemoteAddr, ConnOptionsFromConfig(s.cfg), s.logger)
	s.hub.Serve(conn)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, healthText)
}

// Stats is the body served by StatsHandler.
type Stats struct {
	Clients       int     `json:"clients"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// StatsHandler reports the number of registered clients and the hub uptime.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	stats := Stats{
		Clients:       s.hub.ClientCount(),
		UptimeSeconds: s.hub.Uptime().Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("error writing stats response", "error", err)
	}
}

// TestPageHandler serves an HTML page that connects to the WebSocket
// endpoint, sends chat messages and renders every envelope it receives.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Relay WebSocket Test</title>
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
        input[type="text"] {
            width: 200px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Relay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="senderInput" placeholder="Your name" value="web">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const senderInput = document.getElementById('senderInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';
            messageElement.textContent = text;

            if (type === 'chat') {
                messageElement.style.color = 'green';
            } else if (type === 'error') {
                messageElement.style.color = 'red';
            } else {
                messageElement.style.color = 'gray';
                messageElement.style.fontStyle = 'italic';
            }

            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function render(data) {
            let envelope;
            try {
                envelope = JSON.parse(data);
            } catch (e) {
                addMessage('Undecodable frame: ' + data, 'error');
                return;
            }
            if (envelope.type === 'chat') {
                addMessage(envelope.sender + ': ' + envelope.content, 'chat');
            } else if (envelope.type === 'error') {
                addMessage('[ERROR] ' + envelope.message, 'error');
            } else {
                addMessage('[SYSTEM] ' + envelope.message);
            }
        }

        function updateStatus(connected) {
            if (connected) {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
                messageInput.disabled = false;
                sendButton.disabled = false;
                connectButton.textContent = 'Disconnect';
            } else {
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
                messageInput.disabled = true;
                sendButton.disabled = true;
                connectButton.textContent = 'Connect';
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function(event) {
                addMessage('Connected to relay server');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                render(event.data);
            };

            ws.onclose = function(event) {
                addMessage('Connection closed' + (event.reason ? ': ' + event.reason : ''));
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function(error) {
                addMessage('Connection error', 'error');
                updateStatus(false);
            };
        }

        function disconnect() {
            if (ws) {
                ws.close();
            }
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                disconnect();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ content: message, sender: senderInput.value.trim() }));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
