package identity

import "strings"

const (
	didSchemePrefixConstant    = "did:"
	plcMethodPrefixConstant    = "did:plc:"
	webMethodPrefixConstant    = "did:web:"
	methodPlcValueConstant     = "plc"
	methodWebValueConstant     = "web"
	methodUnknownValueConstant = "unknown"
)

// Method enumerates the DID methods the migration understands.
type Method string

// Supported DID method enumerations.
const (
	MethodPlc     Method = Method(methodPlcValueConstant)
	MethodWeb     Method = Method(methodWebValueConstant)
	MethodUnknown Method = Method(methodUnknownValueConstant)
)

// ParseMethod classifies a DID by its method segment.
func ParseMethod(did string) Method {
	trimmedDID := strings.TrimSpace(did)
	switch {
	case strings.HasPrefix(trimmedDID, plcMethodPrefixConstant) && len(trimmedDID) > len(plcMethodPrefixConstant):
		return MethodPlc
	case strings.HasPrefix(trimmedDID, webMethodPrefixConstant) && len(trimmedDID) > len(webMethodPrefixConstant):
		return MethodWeb
	default:
		return MethodUnknown
	}
}

// IsDID reports whether the identifier uses DID syntax rather than a handle or email.
func IsDID(identifier string) bool {
	return strings.HasPrefix(strings.TrimSpace(identifier), didSchemePrefixConstant)
}

// String returns the textual method name.
func (method Method) String() string {
	return string(method)
}
