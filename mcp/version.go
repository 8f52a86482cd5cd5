package mcp

// Protocol revisions this package understands, newest first.
const (
	ProtocolVersion20250618 = "2025-06-18"
	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20241105 = "2024-11-05"
)

// LatestProtocolVersion is the newest protocol revision this package supports.
const LatestProtocolVersion = ProtocolVersion20250618

// SupportedProtocolVersions lists supported revisions, newest first.
var SupportedProtocolVersions = []string{
	ProtocolVersion20250618,
	ProtocolVersion20250326,
	ProtocolVersion20241105,
}

// IsSupportedProtocolVersion reports whether v is a revision this package supports.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NegotiateProtocolVersion implements the responder side of version
// negotiation: a supported proposal is echoed back, anything else is
// answered with the latest supported revision. The proposer decides whether
// the answer is acceptable.
func NegotiateProtocolVersion(proposed string) string {
	if IsSupportedProtocolVersion(proposed) {
		return proposed
	}
	return LatestProtocolVersion
}
