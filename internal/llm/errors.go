package llm

import "fmt"

// ConfigurationError reports a request or client misconfiguration the
// caller must fix; retrying cannot help.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "llm configuration error: " + e.Message
}

// ProviderError reports a failure from the upstream model provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %d %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// Retryable reports whether the provider failure is worth retrying:
// rate limits, overload, and transport-level failures.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		return true
	default:
		return false
	}
}
