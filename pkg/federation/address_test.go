package federation

import (
	"testing"
)

func TestParseAccount(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      *AccountAddress
		wantError bool
	}{
		{
			name:  "acct uri",
			input: "acct:alice@annotations.example",
			want:  &AccountAddress{Handle: "alice", Domain: "annotations.example"},
		},
		{
			name:  "bare address",
			input: "alice@annotations.example",
			want:  &AccountAddress{Handle: "alice", Domain: "annotations.example"},
		},
		{
			name:  "leading at sign and port",
			input: "@commi-instance@localhost:8080",
			want:  &AccountAddress{Handle: "commi-instance", Domain: "localhost:8080"},
		},
		{
			name:  "domain is lowercased",
			input: "acct:alice@Annotations.Example",
			want:  &AccountAddress{Handle: "alice", Domain: "annotations.example"},
		},
		{name: "empty", input: "", wantError: true},
		{name: "no at", input: "acct:alice", wantError: true},
		{name: "two ats", input: "a@b@c", wantError: true},
		{name: "empty handle", input: "acct:@a.example", wantError: true},
		{name: "empty domain", input: "alice@", wantError: true},
		{name: "path in domain", input: "alice@a.example/x", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAccount(tt.input)
			if tt.wantError {
				if err == nil {
					t.Errorf("ParseAccount(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAccount(%q) unexpected error: %v", tt.input, err)
			}
			if *got != *tt.want {
				t.Errorf("ParseAccount(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAccountAddressForms(t *testing.T) {
	a := &AccountAddress{Handle: "alice", Domain: "a.example"}
	if a.String() != "alice@a.example" {
		t.Errorf("String() = %q", a.String())
	}
	if a.URI() != "acct:alice@a.example" {
		t.Errorf("URI() = %q", a.URI())
	}
	if !a.IsLocal("A.example") {
		t.Error("expected address to be local")
	}
	var nilAddr *AccountAddress
	if nilAddr.String() != "" || nilAddr.IsLocal("a.example") {
		t.Error("nil address should be empty and foreign")
	}
}
