package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/die-net/tunnelkit/internal/keycodec"
)

// Engine control-plane keys, in the order Build emits them.
const (
	KeyPrivateKey = "private_key"
	KeyPublicKey  = "public_key"
	KeyEndpoint   = "endpoint"
	KeyAllowedIP  = "allowed_ip"
	KeyKeepalive  = "persistent_keepalive_interval"
)

// Build renders the engine control configuration for c: one key=value per
// line, in fixed order, joined by "\n" with no trailing newline.
//
// The engine's parser is line sensitive, so trailing whitespace is stripped
// from every line and no blank lines are ever produced.
func Build(c TunnelConfig) (string, error) {
	if err := c.validateEngine(); err != nil {
		return "", err
	}

	priv, err := keycodec.DecodeKeyToHex(c.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("private_key: %w", err)
	}
	pub, err := keycodec.DecodeKeyToHex(c.PeerPublicKey)
	if err != nil {
		return "", fmt.Errorf("peer_public_key: %w", err)
	}

	// validateEngine guarantees a primary prefix.
	allowed, _ := c.PrimaryPrefix()
	endpoint := net.JoinHostPort(strings.TrimSpace(c.EndpointHost), strconv.Itoa(int(c.EndpointPort)))

	lines := []string{
		KeyPrivateKey + "=" + priv,
		KeyPublicKey + "=" + pub,
		KeyEndpoint + "=" + endpoint,
		KeyAllowedIP + "=" + allowed.Masked().String(),
		KeyKeepalive + "=" + strconv.Itoa(c.KeepaliveSeconds),
	}
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return strings.Join(lines, "\n"), nil
}
