package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUSDT(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100", 100_000_000, false},
		{"0.5", 500_000, false},
		{"12.34", 12_340_000, false},
		{"0.000001", 1, false},
		{".5", 500_000, false},
		{"100.", 100_000_000, false},
		{" 7 ", 7_000_000, false},
		{"", 0, true},
		{"-5", 0, true},
		{"abc", 0, true},
		{"1.2345678", 0, true}, // more than six decimals
		{"1,5", 0, true},
		{"20000000000000", 0, true}, // would overflow int64 micro-USDT
		{"9223372036854775807", 0, true},
		{"9999999999999999999999", 0, true}, // does not even fit int64
		{"9223372036854", 0, true},          // right at the overflow boundary
		{"9223372036853.999999", 9_223_372_036_853_999_999, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseUSDT(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatUSDT(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{100_000_000, "100"},
		{500_000, "0.5"},
		{12_340_000, "12.34"},
		{1, "0.000001"},
		{0, "0"},
		{-2_500_000, "-2.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUSDT(tt.in))
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, micro := range []int64{1, 999_999, 1_000_000, 123_456_789, 10_000_000_000} {
		parsed, err := parseUSDT(formatUSDT(micro))
		require.NoError(t, err)
		assert.Equal(t, micro, parsed)
	}
}
