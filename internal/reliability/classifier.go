package reliability

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableSignalCode classifies signaling-channel error codes that a
// reconnect could plausibly clear.
func IsRetryableSignalCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "transport_closed":
		return true
	default:
		return false
	}
}
