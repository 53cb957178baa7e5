/*
Package channels owns the persistent websocket connection to a kernel and the
single reader loop that drains it. Every decoded envelope is handed to exactly
one handler (the correlation layer); the transport never filters or drops
well-formed messages itself. Malformed frames are logged and discarded so one
bad frame cannot take down unrelated in-flight requests.

On unexpected closure the connection is re-dialed with bounded exponential
backoff. While disconnected, Send fails fast with ErrDisconnected. Once
reconnection is abandoned, or the connection is closed, the down handler fires
exactly once so the owner can fail every outstanding request.
*/
package channels
