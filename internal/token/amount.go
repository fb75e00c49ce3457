package token

import (
	"fmt"
	"math/big"
	"strings"

	"MonadFlow/internal/errors"
)

// NativeDecimals is the precision of the chain's native token.
const NativeDecimals = 18

// ParseAmount converts a human readable decimal string into base units.
// Negative amounts are rejected.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "金额不能为空")
	}
	if strings.HasPrefix(s, "-") {
		return nil, errors.New(errors.CodeInvalidArgument, "金额不能为负数")
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(decimals) {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("金额 %s 的小数位超过精度 %d", s, decimals))
	}
	combined := intPart + fracPart + strings.Repeat("0", int(decimals)-len(fracPart))
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("无效的金额 %s", s))
	}
	return value, nil
}

// FormatAmount renders base units as a human readable decimal string with
// trailing zeros removed.
func FormatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	if decimals == 0 {
		return v.String()
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	out := digits[:cut] + "." + digits[cut:]
	out = strings.TrimRight(out, "0")
	out = strings.TrimSuffix(out, ".")
	if neg {
		out = "-" + out
	}
	return out
}
