/*
Package connector provides a client that evaluates code on a remote eval server which it creates on demand.

The connector starts with no eval server. Each request goes through the same loop:

1. Send the request over the transport chosen at construction: one HTTP PUT per request, or a persistent WebSocket.
2. If the server answers, check that the response carries the request's correlation id. A mismatch is terminal.
3. If the server can't be reached, ask the coordinator for a new eval server. Retry after a short delay if that worked, or a long delay if it didn't.

The loop retries forever unless WithMaxAttempts is set or the context is done.
*/
package connector
