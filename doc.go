// # Gemini Live Relay
//
// This repository provides a session-multiplexed bidirectional relay between browser clients and a streaming AI endpoint (Gemini Live style BidiGenerateContent over WebSocket). It accepts many concurrent client connections, multiplexes them onto one or more upstream sockets, keeps a session registry as the single source of truth for routing, reconnects upstream sockets on failure, and demultiplexes upstream responses back to the originating session.
package relay
