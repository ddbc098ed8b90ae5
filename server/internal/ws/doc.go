// Package ws implements the WebSocket run stream for asia-server.
//
// Hub publishes the run list to every subscriber on a configurable interval
// (default 5s) and immediately after a run changes state (Notify). The list is
// fetched once per publish and encoded once per distinct subscriber filter.
//
// Subscribers may narrow the stream with query parameters:
//
//	/ws/runs?subsystem=ELEVATOR_ACTUATOR&status=completed
//
// subsystem matches case-insensitively; status must be processing, completed
// or failed (anything else is rejected with 400 before the upgrade).
//
// Frame format:
//
//	{
//	  "event": "runs",
//	  "data":  [ /* same schema as GET /api/v1/runs */ ]
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level.
package ws
