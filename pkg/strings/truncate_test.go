package strings

import (
	stdstrings "strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTruncateDetail(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{name: "short string unchanged", input: "rollback complete", width: 30, want: "rollback complete"},
		{name: "exact width unchanged", input: "abcde", width: 5, want: "abcde"},
		{name: "long string truncated with ellipsis", input: "component CustomerApp entered BROKEN after restart budget exhausted", width: 20, want: "component Custome..."},
		{name: "error chain flattened to one line", input: "deployment failed:\n  artifact fetch failed:\n    digest mismatch", width: 80, want: "deployment failed: artifact fetch failed: digest mismatch"},
		{name: "tabs and runs of spaces collapse", input: "a\t\tb    c", width: 20, want: "a b c"},
		{name: "crlf handled", input: "a\r\nb", width: 10, want: "a b"},
		{name: "empty input", input: "", width: 10, want: ""},
		{name: "width below minimum clamps instead of panicking", input: "abcdefgh", width: 0, want: "a..."},
		{name: "multibyte runes not split", input: "日本語のエラーメッセージです", width: 8, want: "日本語のエ..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, TruncateDetail(tt.input, tt.width))
		})
	}
}

func TestTruncateDetailLengthBounded(t *testing.T) {
	long := stdstrings.Repeat("x", 500)
	for _, width := range []int{4, 10, DetailColumnWidth, 200} {
		got := TruncateDetail(long, width)
		require.LessOrEqual(t, len([]rune(got)), width)
	}
}
