package eventbus

// SimpleSink adapts a Bus to the narrower EventSink interface used by
// internal/router and internal/gateway (Publish(type, payload, priority)),
// translating into a full Event with no expiry and no channel/mud scoping.
type SimpleSink struct {
	Bus *Bus
}

// Publish implements the router.EventSink / gateway.EventSink contract.
func (s SimpleSink) Publish(eventType string, payload map[string]any, priority int) {
	s.Bus.Publish(Event{
		Type:     eventType,
		Payload:  payload,
		Priority: priority,
	})
}
