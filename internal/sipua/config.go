package sipua

import (
	"fmt"
	"net/url"
	"strings"

	"callconsole/internal/config"
)

// Config is the registration identity. Optional fields are named as such;
// IsComplete decides between starting the agent and reporting it disabled.
type Config struct {
	// Required.
	WSSServer string
	Username  string
	Domain    string
	Password  string

	// Optional.
	DisplayName    string
	URI            string
	TransferDomain string
}

func ConfigFrom(c config.SIPConfig) Config {
	return Config{
		WSSServer:      strings.TrimSpace(c.WSSServer),
		Username:       strings.TrimSpace(c.Username),
		Domain:         strings.TrimSpace(c.Domain),
		Password:       c.Password,
		DisplayName:    strings.TrimSpace(c.DisplayName),
		URI:            strings.TrimSpace(c.URI),
		TransferDomain: strings.TrimSpace(c.TransferDomain),
	}
}

// MissingFields lists the env names of unset required fields, in a stable order.
func (c Config) MissingFields() []string {
	var missing []string
	if c.WSSServer == "" {
		missing = append(missing, "JAMBONZ_SIP_WSS")
	}
	if c.Username == "" {
		missing = append(missing, "JAMBONZ_SIP_USERNAME")
	}
	if c.Domain == "" {
		missing = append(missing, "JAMBONZ_SIP_DOMAIN")
	}
	if c.Password == "" {
		missing = append(missing, "JAMBONZ_SIP_PASSWORD")
	}
	return missing
}

func (c Config) IsComplete() bool { return len(c.MissingFields()) == 0 }

// AOR is the address of record: URI when set, else sip:username@domain.
func (c Config) AOR() string {
	if c.URI != "" {
		return c.URI
	}
	return fmt.Sprintf("sip:%s@%s", c.Username, c.Domain)
}

func (c Config) Display() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Username
}

// GatewayAddr is host:port of the WebSocket gateway.
func (c Config) GatewayAddr() (string, error) {
	u, err := url.Parse(c.WSSServer)
	if err != nil {
		return "", fmt.Errorf("sipua: gateway url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("sipua: gateway url %q has no host", c.WSSServer)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	if u.Scheme == "ws" {
		return u.Host + ":80", nil
	}
	return u.Host + ":443", nil
}

// Transport is the SIP transport name for the gateway scheme.
func (c Config) Transport() string {
	if strings.HasPrefix(strings.ToLower(c.WSSServer), "ws://") {
		return "WS"
	}
	return "WSS"
}

// TransferTarget qualifies dest for a REFER. Fully qualified sip/sips/tel
// addresses and anything containing @ pass through; a bare extension is
// qualified with TransferDomain, falling back to Domain.
func (c Config) TransferTarget(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", fmt.Errorf("%w: transfer destination required", ErrInvalidTarget)
	}
	lower := strings.ToLower(dest)
	switch {
	case strings.HasPrefix(lower, "sip:"), strings.HasPrefix(lower, "sips:"), strings.HasPrefix(lower, "tel:"):
		return dest, nil
	case strings.Contains(dest, "@"):
		return "sip:" + dest, nil
	}
	domain := c.TransferDomain
	if domain == "" {
		domain = c.Domain
	}
	if domain == "" {
		return "", fmt.Errorf("%w: no transfer domain configured for %q", ErrInvalidTarget, dest)
	}
	return fmt.Sprintf("sip:%s@%s", dest, domain), nil
}
