package ollama

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Capability returns the negotiated chat endpoint support.
func (c *Client) Capability() Capability {
	return Capability(c.capability.Load())
}

// supportsChat resolves whether the upstream serves the chat endpoint,
// probing at most once. Concurrent first calls share one probe.
func (c *Client) supportsChat(ctx context.Context) (bool, error) {
	if state := Capability(c.capability.Load()); state != CapabilityUnknown {
		return state == CapabilityChat, nil
	}

	v, err, _ := c.sf.Do("capability", func() (any, error) {
		return c.probeChat(ctx), nil
	})
	if err != nil {
		return false, err
	}
	return v.(Capability) == CapabilityChat, nil
}

// probeChat sends a HEAD request to the chat endpoint. Only a definitive 404
// marks the endpoint missing; any other status, including server errors,
// means the route exists. A network failure is read as an old server rather
// than being retried, so one bad probe pins the legacy path for the client's
// lifetime.
func (c *Client) probeChat(ctx context.Context) Capability {
	if state := Capability(c.capability.Load()); state != CapabilityUnknown {
		return state
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	detected := CapabilityChat
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.baseURL+pathChat, nil)
	if err != nil {
		detected = CapabilityLegacyOnly
	} else {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			detected = CapabilityLegacyOnly
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				detected = CapabilityLegacyOnly
			}
		}
	}

	if c.capability.CompareAndSwap(int32(CapabilityUnknown), int32(detected)) {
		c.logger.Info("chat capability negotiated", zap.String("capability", detected.String()))
	}
	return Capability(c.capability.Load())
}

// markChatUnsupported records that a real chat call 404ed. The client routes
// every later request through the generate endpoint without re-probing.
func (c *Client) markChatUnsupported() {
	if Capability(c.capability.Swap(int32(CapabilityLegacyOnly))) != CapabilityLegacyOnly {
		c.logger.Warn("chat endpoint rejected a request, falling back to generate for all future calls")
	}
}
