package handler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// micro-USDT per USDT
const microPerUSDT = 1_000_000

var errBadAmount = errors.New("invalid amount")

// parseUSDT parses a user-typed USDT amount ("100", "0.5", "12.34") into
// micro-USDT. At most six decimal places are accepted.
func parseUSDT(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, errBadAmount
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w >= math.MaxInt64/microPerUSDT {
		return 0, errBadAmount
	}

	var f int64
	if frac != "" {
		if len(frac) > 6 {
			return 0, errBadAmount
		}
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, errBadAmount
		}
	}

	return w*microPerUSDT + f, nil
}

// formatUSDT renders micro-USDT for display, trimming trailing zeros.
func formatUSDT(micro int64) string {
	sign := ""
	if micro < 0 {
		sign = "-"
		micro = -micro
	}
	whole := micro / microPerUSDT
	frac := micro % microPerUSDT
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fracStr)
}
