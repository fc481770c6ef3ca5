package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// Ghana MSISDN: optional +233/233/0 prefix, then a 9-digit subscriber number
// starting with 2 or 5.
var msisdnPattern = regexp.MustCompile(`^(?:\+233|233|0)?([25][0-9]{8})$`)

// mobile money channel by network prefix (first two subscriber digits)
var channelByPrefix = map[string]string{
	"24": "mtn-gh", "25": "mtn-gh", "53": "mtn-gh", "54": "mtn-gh", "55": "mtn-gh", "59": "mtn-gh",
	"20": "vodafone-gh", "50": "vodafone-gh",
	"26": "tigo-gh", "56": "tigo-gh", "27": "tigo-gh", "57": "tigo-gh",
}

// NormalizeMSISDN validates a payer contact and returns it in 233XXXXXXXXX
// form.
func NormalizeMSISDN(contact string) (string, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(contact), " ", "")
	m := msisdnPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return "", fmt.Errorf("invalid payer contact %q: expected a Ghana mobile number", contact)
	}
	return "233" + m[1], nil
}

// ResolveChannel returns the provider channel for a normalized MSISDN.
func ResolveChannel(msisdn string) (string, error) {
	if len(msisdn) != 12 || !strings.HasPrefix(msisdn, "233") {
		return "", fmt.Errorf("msisdn %q is not normalized", msisdn)
	}
	prefix := msisdn[3:5]
	channel, ok := channelByPrefix[prefix]
	if !ok {
		return "", fmt.Errorf("no mobile money channel for prefix %s", prefix)
	}
	return channel, nil
}
