package validation

import (
	"strings"
	"testing"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/errors"
)

func TestValidateSourceName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "press1", false},
		{"with hyphen", "line-3", false},
		{"with underscore", "line_3", false},
		{"numbers", "123", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"with dot", "press.1", true},
		{"with space", "press 1", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSourceName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSourceName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateVariableName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"dotted", "Motor.Speed", false},
		{"space", "Motor Speed 1", false},
		{"leading space", " Speed", true},
		{"trailing space", "Speed ", true},
		{"tab", "a\tb", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVariableName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVariableName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ipv4", "192.168.0.10", false},
		{"ipv4 port", "192.168.0.10:4001", false},
		{"host", "controller.local", false},
		{"host port", "controller.local:4001", false},
		{"ipv6", "::1", false},
		{"ipv6 port", "[::1]:4001", false},
		{"empty", "", true},
		{"space", "host name", true},
		{"bad port", "host:99999", true},
		{"word port", "host:http", true},
		{"empty port", "host:", true},
		{"empty host", ":4001", true},
		{"too long", strings.Repeat("a", 101), true},
		{"ws url", "ws://127.0.0.1:8080/stream", false},
		{"tcp url", "tcp://controller.local:4001", false},
		{"http url", "http://controller.local", true},
		{"url without host", "ws:///stream", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}

	if err := ValidateAddress(strings.Repeat("a", 100)); err != nil {
		t.Errorf("100 character address should be accepted: %v", err)
	}
}

func TestSplitAddress(t *testing.T) {
	host, port, err := SplitAddress("10.0.0.1", "4001")
	if err != nil || host != "10.0.0.1" || port != "4001" {
		t.Errorf("unexpected split %q %q %v", host, port, err)
	}

	host, port, err = SplitAddress("[fe80::1]:5000", "4001")
	if err != nil || host != "fe80::1" || port != "5000" {
		t.Errorf("unexpected split %q %q %v", host, port, err)
	}
}

func TestParseChannelRef(t *testing.T) {
	cat := catalog.MustNew([]catalog.Channel{
		{Name: "Speed", Direction: catalog.DirInput, Type: catalog.TypeFloat64},
		{Name: "Valve", Direction: catalog.DirOutput, Type: catalog.TypeBool},
		{Name: "in:put", Direction: catalog.DirInput, Type: catalog.TypeInt32},
	})

	tests := []struct {
		input    string
		wantName string
		wantErr  bool
	}{
		{"input:0", "Speed", false},
		{"in:1", "in:put", false},
		{"output:0", "Valve", false},
		{"total:1", "Valve", false},
		{"Speed", "Speed", false},
		{"#in:put", "in:put", false},
		{"input:9", "", true},
		{"input:x", "", true},
		{"Missing", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ref, err := ParseChannelRef(tt.input)
			if err == nil {
				var ch catalog.Channel
				ch, err = ref.Resolve(cat)
				if err == nil && ch.Name != tt.wantName {
					t.Errorf("resolved %q, want %q", ch.Name, tt.wantName)
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseChannelRef(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}

	ref, _ := ParseChannelRef("t:4")
	if !ref.IsTotal() || ref.String() != "total:4" {
		t.Errorf("unexpected ref %+v (%s)", ref, ref)
	}
}

func TestEscapeLikePattern(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no special", "Speed", "Speed"},
		{"percent", "Load%", "Load\\%"},
		{"underscore", "motor_1", "motor\\_1"},
		{"brackets", "[rpm]", "\\[rpm\\]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeLikePattern(tt.input); got != tt.want {
				t.Errorf("EscapeLikePattern(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	if got := SafeLikePrefix("motor_"); got != "motor\\_%" {
		t.Errorf("SafeLikePrefix = %q", got)
	}
}
