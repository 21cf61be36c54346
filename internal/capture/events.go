package capture

// Cross-boundary event names. The prefix keeps them distinct from any other
// traffic sharing a bus endpoint.
const (
	// Authority→relay: forward a server-initiated capture instruction.
	EventCaptureScreen = "screencapture:captureScreen"

	// Relay→authority: exchange a correlation ID for an upload token.
	EventRequestUploadToken = "screencapture:requestUploadToken"

	// Authority→relay: correlated reply carrying the token.
	EventUploadToken = "screencapture:uploadToken"

	// Authority→relay: an upload for the given correlation was accepted.
	EventUploadComplete = "screencapture:uploadComplete"

	// Relay→renderer: execute a capture (upload or local-return shape).
	EventCapture = "screencapture:capture"

	// Renderer→relay: local-return result keyed by UID.
	EventScreenshotResult = "screencapture:screenshotResult"
)
