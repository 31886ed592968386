package engine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	sectionRes    = map[string]*regexp.Regexp{
		"futures": regexp.MustCompile(`(?s)\{\{#futures\}\}\n?(.*?)\{\{/futures\}\}\n?`),
		"spot":    regexp.MustCompile(`(?s)\{\{#spot\}\}\n?(.*?)\{\{/spot\}\}\n?`),
	}
)

// Render 先处理市场分段, 再替换 {{dotted.path}} 占位符。无法解析的路径输出为空。
func Render(template string, ctx map[string]interface{}, futures bool) string {
	for name, re := range sectionRes {
		keep := (name == "futures") == futures
		template = re.ReplaceAllStringFunc(template, func(block string) string {
			if !keep {
				return ""
			}
			return re.FindStringSubmatch(block)[1]
		})
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := lookup(ctx, path)
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

func lookup(ctx map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatNumber(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = formatNumber(f)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []string:
		return strings.Join(x, ", ")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// formatNumber keeps about six significant digits without trailing zeros.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	abs := math.Abs(f)
	var s string
	switch {
	case abs >= 1000:
		s = strconv.FormatFloat(f, 'f', 2, 64)
	case abs >= 1:
		s = strconv.FormatFloat(f, 'f', 4, 64)
	case abs == 0:
		return "0"
	default:
		// 小数价格 (e.g. SHIB) 保留有效位
		decimals := int(math.Ceil(-math.Log10(abs))) + 5
		if decimals > 12 {
			decimals = 12
		}
		s = strconv.FormatFloat(f, 'f', decimals, 64)
	}
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
