/*
Package devserver provides a coordinator and eval server for development and tests.

The coordinator route (PUT /servers) creates an eval endpoint per makeServer request and returns its URI and an access token. Eval endpoints answer JSON-RPC requests either one per PUT (PUT /eval/:id) or over a WebSocket (GET /eval/:id). Both require the token as a bearer token.

What an eval request computes is up to the Evaluator. The default one echoes the eval params back.
*/
package devserver
