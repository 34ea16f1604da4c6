package interop

// Test-case identifiers from the interop harness registry.
const (
	TestCaseHandshake          = "handshake"
	TestCaseTransfer           = "transfer"
	TestCaseMultiConnect       = "multiconnect"
	TestCaseRetry              = "retry"
	TestCaseResumption         = "resumption"
	TestCaseZeroRTT            = "zerortt"
	TestCaseHTTP3              = "http3"
	TestCaseVersionNegotiation = "versionnegotiation"
	TestCaseChaCha20           = "chacha20"
	TestCaseKeyUpdate          = "keyupdate"
)

type roleSupport struct {
	client bool
	server bool
}

// testCases declares, per role, which scenarios the linked engine can
// express. chacha20 needs a TLS 1.3 cipher-suite restriction crypto/tls
// does not offer, and keyupdate needs a key-update trigger quic-go does
// not expose; both stay declared so they map to Unsupported rather than
// to an unknown identifier.
var testCases = map[string]roleSupport{
	TestCaseHandshake:          {client: true, server: true},
	TestCaseTransfer:           {client: true, server: true},
	TestCaseMultiConnect:       {client: true, server: true},
	TestCaseRetry:              {client: true, server: true},
	TestCaseResumption:         {client: true, server: true},
	TestCaseZeroRTT:            {client: true, server: true},
	TestCaseHTTP3:              {client: true, server: true},
	TestCaseVersionNegotiation: {client: true, server: true},
	TestCaseChaCha20:           {},
	TestCaseKeyUpdate:          {},
}

// IsSupported reports whether the engine declares support for running the
// given test case in the given role. Unknown identifiers are unsupported,
// not an error: the harness probes endpoints with the full registry and
// expects a clean refusal for scenarios an implementation does not cover.
func IsSupported(testCase string, role Role) bool {
	tc, ok := testCases[testCase]
	if !ok {
		return false
	}
	switch role {
	case RoleClient:
		return tc.client
	case RoleServer:
		return tc.server
	default:
		return false
	}
}
