package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundtrip verifies decode recovers any encoded order id exactly.
func TestEncodeDecodeRoundtrip(t *testing.T) {
	t.Parallel()

	for _, id := range []int64{1, 42, 999, 123456789, 9223372036854775807} {
		tok := EncodeRef(id)
		require.LessOrEqual(t, len(tok), MaxRefLen)

		got, ok := DecodeRef(tok)
		require.True(t, ok, "token %q", tok)
		assert.Equal(t, id, got)
	}
}

// TestDecodeRef_BankNoise verifies extraction works as a substring match on
// uncontrolled bank text.
func TestDecodeRef_BankNoise(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want int64
	}{
		{"plain", "P12345", 12345},
		{"with label", "P12345 chuyen khoan", 12345},
		{"bank prefix", "MBVCB.4411223.P12345.CT tu 0123", 12345},
		{"surrounding whitespace", "  P777  ", 777},
		{"embedded mid-sentence", "thanh toan don P9001 cam on", 9001},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DecodeRef(tc.text)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

// TestDecodeRef_NoMatch verifies unrecognizable text yields no match, never a panic.
func TestDecodeRef_NoMatch(t *testing.T) {
	t.Parallel()

	for _, text := range []string{
		"",
		"chuyen tien",
		"P",
		"Pabc",
		"12345",    // digits but too short for legacy
		"P0",       // zero is not a valid id
		"order #7", // short digit run, no prefix
	} {
		_, ok := DecodeRef(text)
		assert.False(t, ok, "text %q", text)
	}
}

// TestDecodeRef_LegacyFormat verifies the pre-token format (a bare digit
// run of 10+ chars) still resolves when no current-format token is present.
func TestDecodeRef_LegacyFormat(t *testing.T) {
	t.Parallel()

	got, ok := DecodeRef("CK 1734924830020 ung ho")
	require.True(t, ok)
	assert.Equal(t, int64(1734924830020), got)
}

// TestDecodeRef_PrefersCurrentFormat verifies the first current-format token
// wins over any legacy digit run in the same description.
func TestDecodeRef_PrefersCurrentFormat(t *testing.T) {
	t.Parallel()

	got, ok := DecodeRef("9999999999 P55 0000000001")
	require.True(t, ok)
	assert.Equal(t, int64(55), got)

	// first current-format occurrence wins
	got, ok = DecodeRef("P11 roi P22")
	require.True(t, ok)
	assert.Equal(t, int64(11), got)
}
