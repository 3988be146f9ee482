package caddywaf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// OperatorKind tags which predicate a rule's compiled operator runs.
// Modeled as a closed tagged union (per DESIGN NOTES §9) rather than a table
// of parse/execute function pointers, so the compiled parameter lives
// inline with the rule instead of behind an interface.
type OperatorKind int

const (
	OpStr OperatorKind = iota
	OpRegex
	OpEq
	OpGt
)

func (k OperatorKind) String() string {
	switch k {
	case OpStr:
		return "str"
	case OpRegex:
		return "regex"
	case OpEq:
		return "eq"
	case OpGt:
		return "gt"
	default:
		return "unknown"
	}
}

// CompiledOperator is the parsed, ready-to-execute form of a rule's
// "<op>:<param>" token.
type CompiledOperator struct {
	Kind    OperatorKind
	Literal string         // used by OpStr, OpEq
	Regex   *regexp.Regexp // used by OpRegex
	Number  uint64         // used by OpGt
}

// parseOperatorToken splits "<!><kind>:<param>" into a negation flag and a
// CompiledOperator, grounded on yy_sec_waf_re_parse_operator /
// yy_sec_waf_parse_{str,regex,eq,gt}. cache deduplicates compiled regex
// operators across rules/files; a nil cache compiles without memoizing.
func parseOperatorToken(token string, cache *RuleCache) (op CompiledOperator, negative bool, err error) {
	if strings.HasPrefix(token, "!") {
		negative = true
		token = token[1:]
	}

	kindStr, param, ok := strings.Cut(token, ":")
	if !ok {
		return op, false, fmt.Errorf("operator token %q missing ':'", token)
	}

	switch strings.ToLower(kindStr) {
	case "str":
		if param == "" {
			return op, false, fmt.Errorf("str operator requires a non-empty parameter")
		}
		op = CompiledOperator{Kind: OpStr, Literal: param}

	case "regex":
		if param == "" {
			return op, false, fmt.Errorf("regex operator requires a non-empty parameter")
		}
		re, err := regexCompileCaseInsensitiveMultiline(param, cache)
		if err != nil {
			return op, false, fmt.Errorf("compiling regex operator %q: %w", param, err)
		}
		op = CompiledOperator{Kind: OpRegex, Regex: re}

	case "eq":
		op = CompiledOperator{Kind: OpEq, Literal: param}

	case "gt":
		n, err := strconv.ParseUint(param, 10, 64)
		if err != nil {
			return op, false, fmt.Errorf("gt operator requires an unsigned integer parameter: %w", err)
		}
		op = CompiledOperator{Kind: OpGt, Number: n}

	default:
		return op, false, fmt.Errorf("unknown operator %q", kindStr)
	}

	return op, negative, nil
}

// regexCompileCaseInsensitiveMultiline compiles pattern with the flags the
// original always applies to regex operators and block-list entries:
// PCRE_CASELESS | PCRE_MULTILINE. When cache is non-nil, an identical raw
// pattern seen earlier (from another rule or rule file) returns the
// already-compiled *regexp.Regexp instead of recompiling it.
func regexCompileCaseInsensitiveMultiline(pattern string, cache *RuleCache) (*regexp.Regexp, error) {
	if cache != nil {
		if re, ok := cache.Get(pattern); ok {
			return re, nil
		}
	}

	re, err := regexp.Compile("(?im)" + pattern)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.Set(pattern, re)
	}
	return re, nil
}

// evalResult is the outcome of executing a single operator against a value.
type evalResult int

const (
	evalNoMatch evalResult = iota
	evalMatch
	evalError
)

// execute runs the compiled operator against value, grounded on
// yy_sec_waf_execute_{str,regex,eq,gt}.
func (op CompiledOperator) execute(value string) evalResult {
	switch op.Kind {
	case OpStr:
		if strings.Contains(value, op.Literal) {
			return evalMatch
		}
		return evalNoMatch

	case OpRegex:
		if op.Regex.MatchString(value) {
			return evalMatch
		}
		return evalNoMatch

	case OpEq:
		if value == op.Literal {
			return evalMatch
		}
		return evalNoMatch

	case OpGt:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return evalNoMatch
		}
		if n > op.Number {
			return evalMatch
		}
		return evalNoMatch
	}

	return evalError
}
