/*
Package protocol defines the messages exchanged between an eval connector, the coordinator that provisions eval servers, and the eval servers themselves.

There are two conversations:

1. Provisioning. The client PUTs a makeServer message to the coordinator carrying its client id and whether it wants a WebSocket endpoint. The coordinator answers with the URI of a freshly created eval server and an opaque access token.
2. Evaluation. The client sends JSON-RPC 2.0 requests to the eval server, either one PUT per request or as text frames over a WebSocket. Every response must echo the id of the request it answers.

All JSON encoding in this module goes through Marshal and Unmarshal in this package.
*/
package protocol
