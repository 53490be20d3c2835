package email

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const bouncePrefix = "bounces+"

// BounceAddress encodes the recipient, the send time and a nonce into a VERP
// envelope sender: bounces+<local>=<domain>-<unix>-<nonce>@<bounceDomain>.
func BounceAddress(recipient, bounceDomain string, sentAt time.Time, nonce string) (string, error) {
	at := strings.LastIndex(recipient, "@")
	if at <= 0 || at == len(recipient)-1 {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}
	if strings.Contains(nonce, "-") || nonce == "" {
		return "", fmt.Errorf("invalid bounce nonce %q", nonce)
	}

	local, domain := recipient[:at], recipient[at+1:]
	return fmt.Sprintf("%s%s=%s-%d-%s@%s", bouncePrefix, local, domain, sentAt.Unix(), nonce, bounceDomain), nil
}

type BounceInfo struct {
	Recipient string
	SentAt    time.Time
	Nonce     string
}

// ParseBounceAddress reverses BounceAddress.
func ParseBounceAddress(address string) (BounceInfo, error) {
	address = strings.Trim(strings.TrimSpace(address), "<>")

	at := strings.LastIndex(address, "@")
	if at < 0 {
		return BounceInfo{}, fmt.Errorf("not a bounce address: %q", address)
	}
	local := address[:at]
	if !strings.HasPrefix(strings.ToLower(local), bouncePrefix) {
		return BounceInfo{}, fmt.Errorf("not a bounce address: %q", address)
	}
	local = local[len(bouncePrefix):]

	nonceAt := strings.LastIndex(local, "-")
	if nonceAt < 0 {
		return BounceInfo{}, fmt.Errorf("bounce address without nonce: %q", address)
	}
	nonce := local[nonceAt+1:]
	local = local[:nonceAt]

	tsAt := strings.LastIndex(local, "-")
	if tsAt < 0 {
		return BounceInfo{}, fmt.Errorf("bounce address without timestamp: %q", address)
	}
	unix, err := strconv.ParseInt(local[tsAt+1:], 10, 64)
	if err != nil {
		return BounceInfo{}, fmt.Errorf("bounce address with invalid timestamp: %q", address)
	}
	local = local[:tsAt]

	eq := strings.LastIndex(local, "=")
	if eq <= 0 || eq == len(local)-1 || nonce == "" {
		return BounceInfo{}, fmt.Errorf("malformed bounce address: %q", address)
	}

	return BounceInfo{
		Recipient: local[:eq] + "@" + local[eq+1:],
		SentAt:    time.Unix(unix, 0).UTC(),
		Nonce:     nonce,
	}, nil
}
