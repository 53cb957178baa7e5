/*
Package messages implements the Jupyter wire protocol envelope: a JSON document
carrying a header, parent header, metadata, content and a channel tag, one per
websocket frame. The channel tag identifies the logical stream (shell, iopub,
stdin, control) multiplexed inside a single connection.

A message produced as a consequence of a request carries that request's msg_id
in its parent header, which is what the correlation layer keys on. The codec
here is stateless; content payloads stay raw until a caller decodes them into
one of the typed content structs.
*/
package messages
