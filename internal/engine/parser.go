package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"llm-trading-fleet/internal/market"
	"llm-trading-fleet/internal/models"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var ErrDecisionParse = errors.New("decision parse failure")

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	smartQuotes     = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// ParseResult is either a decision or a hold with the reason the reply could not be used.
type ParseResult struct {
	Decision models.Decision
	Raw      map[string]interface{}
	// Fallback is set when the decision is a forced hold.
	Fallback string
	Err      error
}

// Failed reports a forced hold.
func (r ParseResult) Failed() bool { return r.Err != nil }

func parseFailure(reason string) ParseResult {
	return ParseResult{
		Decision: models.HoldDecision(reason),
		Fallback: reason,
		Err:      fmt.Errorf("%s: %w", reason, ErrDecisionParse),
	}
}

// ParseDecision extracts the first balanced JSON value from a model reply and normalizes it.
// positions are used to prefer candidates that reduce an existing holding.
func ParseDecision(reply string, positions []models.Position) ParseResult {
	text := cleanReply(reply)
	if strings.TrimSpace(text) == "" {
		return parseFailure("empty reply")
	}

	candidates, decoded := firstCandidates(text)
	if len(candidates) == 0 {
		if !decoded {
			return parseFailure("no JSON object in reply")
		}
		return parseFailure("JSON reply carries no decision object")
	}

	raw := pick(candidates, positions)
	d := normalize(raw)
	if d.Action != models.ActionHold && d.Symbol == "" {
		res := parseFailure("decision has no symbol")
		res.Raw = raw
		return res
	}
	return ParseResult{Decision: d, Raw: raw}
}

func cleanReply(s string) string {
	s = smartQuotes.Replace(s)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	return strings.ReplaceAll(s, "```", "")
}

// firstCandidates tries every opening bracket in order until a balanced span decodes
// to at least one decision object. Spans like "[70]" in the prose are skipped.
// decoded reports whether any span was valid JSON at all.
func firstCandidates(text string) (candidates []map[string]interface{}, decoded bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := balancedEnd(text, i)
		if end < 0 {
			continue
		}
		chunk := trailingCommaRe.ReplaceAllString(text[i:end+1], "$1")
		var v interface{}
		if err := json.Unmarshal([]byte(chunk), &v); err != nil {
			continue
		}
		decoded = true
		if list := candidatesOf(v); len(list) > 0 {
			return list, true
		}
	}
	return nil, decoded
}

func candidatesOf(value interface{}) []map[string]interface{} {
	var candidates []map[string]interface{}
	switch v := value.(type) {
	case map[string]interface{}:
		if list, ok := candidateList(v); ok {
			candidates = list
		} else {
			candidates = []map[string]interface{}{v}
		}
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				candidates = append(candidates, m)
			}
		}
	}
	return candidates
}

// balancedEnd returns the index of the bracket closing text[start], or -1.
func balancedEnd(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// candidateList unwraps {"decisions": [...]} and {"decision": {...}} style replies.
func candidateList(m map[string]interface{}) ([]map[string]interface{}, bool) {
	if _, hasAction := m["action"]; hasAction {
		return nil, false
	}
	if inner, ok := m["decision"].(map[string]interface{}); ok {
		return []map[string]interface{}{inner}, true
	}
	for _, key := range []string{"decisions", "actions", "trades", "orders"} {
		list, ok := m[key].([]interface{})
		if !ok {
			continue
		}
		var out []map[string]interface{}
		for _, item := range list {
			if c, ok := item.(map[string]interface{}); ok {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}

// pick 在多个候选中选择: 先选减仓/平仓, 再选明确的买卖, 最后选第一个带币种的
func pick(candidates []map[string]interface{}, positions []models.Position) map[string]interface{} {
	held := make(map[string]float64, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p.Quantity
	}

	for _, c := range candidates {
		action := NormalizeAction(stringField(c, "action", "signal", "decision"))
		qty := held[market.BaseSymbol(stringField(c, "symbol", "coin", "asset"))]
		switch {
		case action == models.ActionClosePosition && qty != 0:
			return c
		case action == models.ActionSell && qty > 0:
			return c
		case action == models.ActionBuy && qty < 0:
			return c
		}
	}
	for _, c := range candidates {
		switch NormalizeAction(stringField(c, "action", "signal", "decision")) {
		case models.ActionBuy, models.ActionSell, models.ActionClosePosition:
			return c
		}
	}
	for _, c := range candidates {
		if stringField(c, "symbol", "coin", "asset") != "" {
			return c
		}
	}
	return candidates[0]
}

// NormalizeAction maps the model's vocabulary onto buy, sell, close_position or hold.
func NormalizeAction(a string) models.Action {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(a, "-", "_"))) {
	case "buy", "long", "open_long", "buy_to_enter", "enter_long":
		return models.ActionBuy
	case "sell", "short", "open_short", "sell_to_enter", "enter_short":
		return models.ActionSell
	case "close", "close_position", "exit", "reduce", "close_long", "close_short", "take_profit", "stop_loss":
		return models.ActionClosePosition
	default:
		return models.ActionHold
	}
}

func normalize(raw map[string]interface{}) models.Decision {
	d := models.Decision{
		Action:                NormalizeAction(stringField(raw, "action", "signal", "decision")),
		Symbol:                market.BaseSymbol(stringField(raw, "symbol", "coin", "asset")),
		Quantity:              numberField(raw, -1, "quantity", "qty", "size", "amount"),
		PositionSizeUSD:       numberField(raw, 0, "position_size_usd", "size_usd", "notional_usd", "usd"),
		Leverage:              int(numberField(raw, 0, "leverage")),
		Confidence:            numberField(raw, 0.5, "confidence"),
		RiskUSD:               numberField(raw, 0, "risk_usd", "risk"),
		ProfitTarget:          numberField(raw, 0, "profit_target", "take_profit", "target"),
		StopLoss:              numberField(raw, 0, "stop_loss", "stop"),
		InvalidationCondition: stringField(raw, "invalidation_condition", "invalidation"),
		Reasoning:             stringField(raw, "reasoning", "justification", "rationale", "reason"),
	}
	if d.Quantity < 0 {
		d.Quantity = 0
	}
	if d.Confidence > 1 && d.Confidence <= 100 {
		// percentages
		d.Confidence /= 100
	}
	d.Confidence = math.Max(0, math.Min(1, d.Confidence))
	if d.Leverage < 0 {
		// 0 means the bot default
		d.Leverage = 0
	}
	if strings.TrimSpace(d.InvalidationCondition) == "" {
		d.InvalidationCondition = models.DefaultInvalidation
	}
	if d.Action == models.ActionHold {
		d.Quantity = 0
		d.PositionSizeUSD = 0
		d.Leverage = 1
	}
	return d
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// numberField reads the first finite number under keys. NaN and Inf count as absent.
func numberField(m map[string]interface{}, def float64, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if isFinite(v) {
				return v
			}
		case string:
			s := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(v, "$"), "%"))
			s = strings.ReplaceAll(s, ",", "")
			if f, err := strconv.ParseFloat(s, 64); err == nil && isFinite(f) {
				return f
			}
		}
	}
	return def
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
