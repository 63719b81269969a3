package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// Error codes used across livepush.
const (
	CodeProviderMissing = "L101"
	CodePortMissing     = "L102"
	CodePortInvalid     = "L103"
	CodeAddressInvalid  = "L104"
	CodeSourceInvalid   = "L105"
	CodeDurationInvalid = "L106"
	CodeLogLevelInvalid = "L107"
	CodeConfigParse     = "L120"
	CodeConfigWrite     = "L121"
	CodeConfigNotFound  = "L141"

	CodeUnknownMessage   = "L201"
	CodeMalformedPayload = "L202"
	CodeFrameTooLarge    = "L203"
	CodeBadHTTPRequest   = "L204"

	CodeListenFailed = "L301"
	CodeWriteFailed  = "L302"
	CodeNotStarted   = "L303"

	CodeFetchFailed     = "L401"
	CodeWatchFailed     = "L402"
	CodePathOutsideRoot = "L403"

	CodeCommandFailed = "L501"
)

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (L101-L199)
	// ============================================

	CodeProviderMissing: {
		Category:   CategoryConfig,
		Message:    "Code provider is not set",
		Detail:     "The bridge needs a code provider to answer code requests and build reload commands.",
		Suggestion: "Set source.kind to \"fs\" or \"s3\" in livepush.json",
	},
	CodePortMissing: {
		Category:   CategoryConfig,
		Message:    "Port is not set",
		Detail:     "The bridge has no port to listen on.",
		Suggestion: "Set \"port\" in livepush.json or pass --port",
	},
	CodePortInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid port",
		Detail:   "Ports must be between 0 and 65535.",
	},
	CodeAddressInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid address",
		Detail:   "The advertised address must be an IP address or host name without a port.",
	},
	CodeSourceInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid source configuration",
	},
	CodeDurationInvalid: {
		Category:   CategoryConfig,
		Message:    "Invalid duration",
		Suggestion: "Use Go duration syntax such as \"500ms\" or \"2s\"",
	},
	CodeLogLevelInvalid: {
		Category:   CategoryConfig,
		Message:    "Invalid log setting",
		Suggestion: "Valid levels are debug, info, warn and error. Valid formats are text and json.",
	},
	CodeConfigParse: {
		Category: CategoryConfig,
		Message:  "Failed to parse configuration",
	},
	CodeConfigWrite: {
		Category: CategoryConfig,
		Message:  "Failed to write configuration",
	},
	CodeConfigNotFound: {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Suggestion: "Run 'livepush init' to create one",
	},

	// ============================================
	// Protocol Errors (L201-L299)
	// ============================================

	CodeUnknownMessage: {
		Category: CategoryProtocol,
		Message:  "Unknown message type",
		Detail:   "The client sent a message type the bridge does not handle. The message was skipped.",
	},
	CodeMalformedPayload: {
		Category: CategoryProtocol,
		Message:  "Malformed message payload",
	},
	CodeFrameTooLarge: {
		Category: CategoryProtocol,
		Message:  "Frame too large",
		Detail:   "The declared payload length is negative or exceeds the maximum frame size.",
	},
	CodeBadHTTPRequest: {
		Category: CategoryProtocol,
		Message:  "Malformed HTTP request",
	},

	// ============================================
	// Transport Errors (L301-L399)
	// ============================================

	CodeListenFailed: {
		Category:   CategoryTransport,
		Message:    "Failed to listen",
		Suggestion: "Check that no other process is using the port",
	},
	CodeWriteFailed: {
		Category: CategoryTransport,
		Message:  "Failed to write to client",
	},
	CodeNotStarted: {
		Category: CategoryTransport,
		Message:  "Bridge is not running",
	},

	// ============================================
	// Provider Errors (L401-L499)
	// ============================================

	CodeFetchFailed: {
		Category: CategoryProvider,
		Message:  "Failed to fetch source file",
	},
	CodeWatchFailed: {
		Category: CategoryProvider,
		Message:  "Failed to watch source files",
	},
	CodePathOutsideRoot: {
		Category: CategoryProvider,
		Message:  "Path escapes the source root",
	},

	// ============================================
	// CLI Errors (L501-L599)
	// ============================================

	CodeCommandFailed: {
		Category:   CategoryCLI,
		Message:    "Command failed",
		Suggestion: "Run 'livepush --help' for usage",
	},
}

// GetAllCodes returns all registered error codes in sorted order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
