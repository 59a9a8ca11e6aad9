package federation

import (
	"context"
	"net/url"
	"strings"

	"marginalia/pkg/signature"
)

// JRD is a WebFinger resource descriptor.
type JRD struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

// Host is the authority part of the base URL.
func (d *Dispatcher) Host() string {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// WebFinger answers an acct: or actor URI resource. Unknown or foreign
// resources yield nil.
func (d *Dispatcher) WebFinger(ctx context.Context, resource string) (*JRD, error) {
	var handle string
	if h, ok := d.HandleFromURI(resource); ok {
		handle = h
	} else {
		if strings.HasPrefix(resource, "http://") || strings.HasPrefix(resource, "https://") {
			return nil, nil
		}
		addr, err := ParseAccount(resource)
		if err != nil || !addr.IsLocal(d.Host()) {
			return nil, nil
		}
		handle = addr.Handle
	}

	user, err := d.store.GetUser(ctx, handle)
	if err != nil || user == nil {
		return nil, err
	}

	actor := d.ActorURI(handle)
	subject := (&AccountAddress{Handle: handle, Domain: d.Host()}).URI()
	return &JRD{
		Subject: subject,
		Aliases: []string{actor},
		Links: []Link{
			{Rel: "self", Type: signature.ContentType, Href: actor},
		},
	}, nil
}
