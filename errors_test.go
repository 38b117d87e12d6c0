package bob

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotModified(t *testing.T) {
	err := &ErrTransport{Code: 400, Description: "Bad Request: message is not modified"}
	if !IsNotModified(err) {
		t.Error("not-modified rejection not recognized")
	}
	if !IsNotModified(fmt.Errorf("edit: %w", err)) {
		t.Error("wrapped not-modified rejection not recognized")
	}
	if IsNotModified(&ErrTransport{Code: 400, Description: "Bad Request: message to edit not found"}) {
		t.Error("unrelated transport error classified as not-modified")
	}
	if IsNotModified(errors.New("message is not modified")) {
		t.Error("plain error must not match")
	}
}

func TestIsEntityError(t *testing.T) {
	cases := []struct {
		desc string
		want bool
	}{
		{"Bad Request: can't parse entities: unclosed tag", true},
		{"Bad Request: Entity offsets overlap", true},
		{"Too Many Requests: retry after 30", false},
	}
	for _, tc := range cases {
		err := &ErrTransport{Code: 400, Description: tc.desc}
		if got := IsEntityError(err); got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.desc, got, tc.want)
		}
	}
	if IsEntityError(errors.New("entity")) {
		t.Error("plain error must not match")
	}
}

func TestErrorMessages(t *testing.T) {
	if got := (&ErrTransport{Code: 403, Description: "Forbidden"}).Error(); got == "" {
		t.Error("empty ErrTransport message")
	}
	if got := (&ErrEngine{Engine: "claude", Message: "exit 1"}).Error(); got != "claude: exit 1" {
		t.Errorf("ErrEngine message = %q", got)
	}
}
