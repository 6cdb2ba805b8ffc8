package connector

import (
	"context"
	"fmt"

	"github.com/guseggert/evalclient/protocol"
)

// provision asks the coordinator for a new eval server and makes it the current endpoint.
// Every failure wraps ErrUnmakableServer.
func (c *Connector) provision(ctx context.Context) error {
	c.Logger.Debugw("making eval server", "Coordinator", c.coordinatorURI, "WebSocket", c.websocket)

	body, err := protocol.Marshal(protocol.NewMakeServerRequest(c.clientID, c.websocket))
	if err != nil {
		return fmt.Errorf("%w: encoding makeServer request: %w", ErrUnmakableServer, err)
	}

	b, err := c.coordinator.put(ctx, c.coordinatorURI, "", body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnmakableServer, err)
	}

	var resp protocol.MakeServerResponse
	err = protocol.Unmarshal(b, &resp)
	if err != nil {
		return fmt.Errorf("%w: decoding makeServer response: %w", ErrUnmakableServer, err)
	}
	if resp.URI == "" {
		return fmt.Errorf("%w: coordinator returned no eval server URI", ErrUnmakableServer)
	}

	c.mut.Lock()
	c.endpoint = endpoint{uri: resp.URI, token: resp.Token}
	c.mut.Unlock()

	c.Logger.Infow("made eval server", "URI", resp.URI)
	return nil
}
