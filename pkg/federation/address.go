package federation

import (
	"fmt"
	"strings"
)

// AccountAddress is a WebFinger account in handle@domain form.
// Examples:
//   - alice@annotations.example
//   - commi-instance@localhost:8080
type AccountAddress struct {
	Handle string
	Domain string
}

// ParseAccount parses "acct:handle@domain", "handle@domain" or
// "@handle@domain".
func ParseAccount(resource string) (*AccountAddress, error) {
	addr := strings.TrimSpace(resource)
	addr = strings.TrimPrefix(addr, "acct:")
	addr = strings.TrimPrefix(addr, "@")
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid address format: must contain exactly one @ symbol")
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}
	if parts[1] == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}
	if strings.ContainsAny(parts[0], "/#?") || strings.ContainsAny(parts[1], "/#?") {
		return nil, fmt.Errorf("invalid characters in address %q", resource)
	}

	return &AccountAddress{Handle: parts[0], Domain: strings.ToLower(parts[1])}, nil
}

func (a *AccountAddress) String() string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", a.Handle, a.Domain)
}

// URI returns the acct: form used as a WebFinger subject.
func (a *AccountAddress) URI() string {
	return "acct:" + a.String()
}

// IsLocal returns true if this address belongs to the specified domain
func (a *AccountAddress) IsLocal(myDomain string) bool {
	if a == nil {
		return false
	}
	return a.Domain == strings.ToLower(myDomain)
}
