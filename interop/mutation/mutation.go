// Package mutation applies controlled modifications to the TLS hello
// exchanged during the QUIC handshake. Mutation parameters arrive as a JSON
// list of steps; each step names a mutation type, the handshake side it
// targets, and the hello fields it touches. Only fields that have a
// counterpart in crypto/tls or quic-go configuration can take effect;
// fields without one are ignored, mirroring how an absent attribute is
// skipped rather than rejected.
package mutation

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/quic-go/quic-go"
)

// Mutation types understood by Parse.
const (
	TypeIdentity         = "identity"
	TypeRemoveField      = "remove_field"
	TypeModifyField      = "modify_field"
	TypeAdditionalPacket = "send_additional_packet"
)

// Step is one mutation instruction.
type Step struct {
	Type   string            `json:"mutation_type"`
	Target string            `json:"target"`
	Fields map[string]string `json:"fields"`
}

var allowedTargets = map[string]bool{
	"client": true,
	"server": true,
}

// Hello field names a step may reference.
var allowedFields = map[string]bool{
	"random":                     true,
	"legacy_session_id":          true,
	"cipher_suites":              true,
	"legacy_compression_methods": true,
	"alpn_protocols":             true,
	"early_data":                 true,
	"key_share":                  true,
	"pre_shared_key":             true,
	"psk_key_exchange_modes":     true,
	"server_name":                true,
	"signature_algorithms":       true,
	"supported_groups":           true,
	"supported_versions":         true,
	"other_extensions":           true,
}

// requiredKeys maps each mutation type to the field keys it needs.
var requiredKeys = map[string][]string{
	TypeIdentity:         {},
	TypeRemoveField:      {"field_name"},
	TypeModifyField:      {"field_name", "new_value"},
	TypeAdditionalPacket: {"packet_type", "packet_content"},
}

// Parse decodes and validates a JSON list of mutation steps.
func Parse(raw string) ([]Step, error) {
	var steps []Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("invalid mutation parameters: %w", err)
	}
	for i, s := range steps {
		keys, ok := requiredKeys[s.Type]
		if !ok {
			return nil, fmt.Errorf("step %d: unknown mutation type %q", i, s.Type)
		}
		if s.Type == TypeAdditionalPacket {
			// Injecting packets needs raw packet access the linked engine
			// does not expose. Reject it here, while it is still a
			// configuration problem rather than an engine failure.
			return nil, fmt.Errorf("step %d: mutation %q is not supported by the linked engine", i, s.Type)
		}
		if !allowedTargets[s.Target] {
			return nil, fmt.Errorf("step %d: unknown target %q", i, s.Target)
		}
		for _, k := range keys {
			if _, ok := s.Fields[k]; !ok {
				return nil, fmt.Errorf("step %d: mutation %q requires field %q", i, s.Type, k)
			}
		}
		if name, ok := s.Fields["field_name"]; ok && !allowedFields[name] {
			return nil, fmt.Errorf("step %d: unknown hello field %q", i, name)
		}
	}
	return steps, nil
}

// Apply rewrites tlsConf and quicConf according to the steps targeting the
// given handshake side. Fields that cannot be expressed through
// configuration are skipped. Packet-injection steps never make it through
// Parse; they stay an error here for steps constructed directly.
func Apply(steps []Step, target string, tlsConf *tls.Config, quicConf *quic.Config) error {
	for _, s := range steps {
		if s.Target != target {
			continue
		}
		switch s.Type {
		case TypeIdentity:
		case TypeRemoveField:
			applyRemove(s.Fields["field_name"], tlsConf, quicConf)
		case TypeModifyField:
			if err := applyModify(s.Fields["field_name"], s.Fields["new_value"], tlsConf, quicConf); err != nil {
				return err
			}
		case TypeAdditionalPacket:
			return fmt.Errorf("mutation %q is not supported by the linked engine", s.Type)
		}
	}
	return nil
}

func applyRemove(field string, tlsConf *tls.Config, quicConf *quic.Config) {
	switch field {
	case "server_name":
		tlsConf.ServerName = ""
	case "alpn_protocols":
		tlsConf.NextProtos = nil
	case "supported_versions":
		quicConf.Versions = nil
	case "legacy_session_id":
		tlsConf.SessionTicketsDisabled = true
	case "early_data":
		quicConf.Allow0RTT = false
	}
}

func applyModify(field, value string, tlsConf *tls.Config, quicConf *quic.Config) error {
	switch field {
	case "server_name":
		tlsConf.ServerName = value
	case "alpn_protocols":
		tlsConf.NextProtos = splitList(value)
	case "supported_versions":
		versions, err := parseVersions(value)
		if err != nil {
			return err
		}
		quicConf.Versions = versions
	case "cipher_suites":
		suites, err := parseCipherSuites(value)
		if err != nil {
			return err
		}
		tlsConf.CipherSuites = suites
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseVersions(value string) ([]quic.Version, error) {
	var versions []quic.Version
	for _, p := range splitList(value) {
		v, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid QUIC version %q: %w", p, err)
		}
		versions = append(versions, quic.Version(v))
	}
	return versions, nil
}

func parseCipherSuites(value string) ([]uint16, error) {
	var suites []uint16
	for _, p := range splitList(value) {
		v, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid cipher suite %q: %w", p, err)
		}
		suites = append(suites, uint16(v))
	}
	return suites, nil
}
