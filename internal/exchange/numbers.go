package gateway

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// NumberMode JSON 数字字段的解码方式，构造 Dispatcher 时选定
type NumberMode int

const (
	NumbersString  NumberMode = iota // json.Number，保留原始十进制文本
	NumbersFloat                     // float64
	NumbersDecimal                   // decimal.Decimal
	NumbersBig                       // *big.Rat
)

func (m NumberMode) String() string {
	switch m {
	case NumbersFloat:
		return "float"
	case NumbersDecimal:
		return "decimal"
	case NumbersBig:
		return "big"
	default:
		return "string"
	}
}

// ParseNumberMode 解析配置中的 json_numbers 选项
func ParseNumberMode(s string) (NumberMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "string":
		return NumbersString, nil
	case "float":
		return NumbersFloat, nil
	case "decimal":
		return NumbersDecimal, nil
	case "big":
		return NumbersBig, nil
	}
	return NumbersString, fmt.Errorf("%w: unknown json_numbers mode %q", ErrInvalidArgument, s)
}

// decodeJSON 解析响应体；数字先以 json.Number 读出再按 mode 转换，避免精度损失
func decodeJSON(body []byte, mode NumberMode) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return convertNumbers(v, mode)
}

func convertNumbers(v any, mode NumberMode) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			c, err := convertNumbers(item, mode)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case []any:
		for i, item := range t {
			c, err := convertNumbers(item, mode)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case json.Number:
		return convertNumber(t, mode)
	default:
		return v, nil
	}
}

func convertNumber(n json.Number, mode NumberMode) (any, error) {
	switch mode {
	case NumbersFloat:
		return n.Float64()
	case NumbersDecimal:
		return decimal.NewFromString(n.String())
	case NumbersBig:
		r, ok := new(big.Rat).SetString(n.String())
		if !ok {
			return nil, fmt.Errorf("invalid number %q", n.String())
		}
		return r, nil
	default:
		return n, nil
	}
}

// ToDecimal 将任意解码模式下的数字（或数字字符串）转换为 decimal
func ToDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(t))
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case *big.Rat:
		if t == nil {
			return decimal.Zero, fmt.Errorf("nil number")
		}
		return decimal.NewFromString(t.FloatString(18))
	case nil:
		return decimal.Zero, fmt.Errorf("missing number")
	}
	return decimal.Zero, fmt.Errorf("unsupported number type %T", v)
}

// ToInt64 将数字或数字字符串转换为 int64（订单号、id 等）
func ToInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		return strconv.ParseInt(t.String(), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case decimal.Decimal:
		return t.IntPart(), nil
	case *big.Rat:
		if t == nil || !t.IsInt() {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return t.Num().Int64(), nil
	}
	return 0, fmt.Errorf("unsupported integer type %T", v)
}

// ToBool 解析 "0"/"1"/true/false
func ToBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	}
	n, err := ToInt64(v)
	return err == nil && n != 0
}
