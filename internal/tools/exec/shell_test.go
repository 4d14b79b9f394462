package exec

import (
	"errors"
	"testing"
)

func TestValidateShell(t *testing.T) {
	tests := []struct {
		value   string
		want    string
		wantErr error
	}{
		{value: "/bin/sh", want: "/bin/sh"},
		{value: "  bash ", want: "bash"},
		{value: "./tools/sh", want: "./tools/sh"},
		{value: "zsh-5.9", want: "zsh-5.9"},
		{value: "", wantErr: ErrEmptyShell},
		{value: "   ", wantErr: ErrEmptyShell},
		{value: "sh\x00", wantErr: ErrShellNullByte},
		{value: "sh\nrm", wantErr: ErrShellControlChar},
		{value: "sh; rm -rf /", wantErr: ErrShellMetachar},
		{value: "$SHELL", wantErr: ErrShellMetachar},
		{value: `"bash"`, wantErr: ErrShellQuote},
		{value: "-bash", wantErr: ErrShellOption},
		{value: "bash -l", wantErr: ErrShellInvalidChars},
	}

	for _, tt := range tests {
		got, err := ValidateShell(tt.value)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateShell(%q) error = %v, want %v", tt.value, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateShell(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}
