package caddywaf

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
)

// ruleBuilder accumulates rule directives into chain groups as they are
// parsed, grounded on §9's "model phases as sequences of chain groups":
// a run of is_chain=1 rules followed by one is_chain=0 rule forms a group,
// evaluated as a conjunction.
type ruleBuilder struct {
	engine  *Engine
	pending ChainGroup
}

func newRuleBuilder(e *Engine) *ruleBuilder {
	return &ruleBuilder{engine: e}
}

func (b *ruleBuilder) addRule(r *Rule) {
	b.pending = append(b.pending, r)
	if !r.IsChain {
		b.engine.AddChainGroup(b.pending)
		b.pending = nil
	}
}

// finish flushes a dangling open chain (config ended mid-chain); the
// original tolerates this by still registering whatever was accumulated.
func (b *ruleBuilder) finish() {
	if len(b.pending) > 0 {
		b.engine.AddChainGroup(b.pending)
		b.pending = nil
	}
}

// parseVarsToken splits a rule's "$ARGS|$ARGS_POST" variable clause into
// resolved indices, grounded on yy_sec_waf_re_parse_variables.
func parseVarsToken(token string) ([]Variable, error) {
	var indices []Variable
	for _, name := range strings.Split(token, "|") {
		name = strings.TrimPrefix(strings.TrimSpace(name), "$")
		if name == "" {
			continue
		}
		v, ok := variableIndex(name)
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
		indices = append(indices, v)
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("rule requires at least one variable")
	}
	return indices, nil
}

// parseRuleDirective builds a Rule from a rule directive's arguments, in
// the order `<vars> <operator[:param]> <action>*`, grounded on
// ngx_yy_sec_waf_re.c's process_rule / parse_variables / parse_operator.
// cache is threaded through to the operator parser so a regex operator
// shared by multiple rules compiles once.
func parseRuleDirective(args []string, cache *RuleCache) (*Rule, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("rule requires at least <vars> <operator>")
	}

	vars, err := parseVarsToken(args[0])
	if err != nil {
		return nil, err
	}

	op, negative, err := parseOperatorToken(args[1], cache)
	if err != nil {
		return nil, err
	}

	spec := NewActionSpec()
	for _, tok := range args[2:] {
		if err := spec.ApplyActionToken(tok); err != nil {
			return nil, err
		}
	}

	if spec.Phase == 0 {
		return nil, fmt.Errorf("rule must set phase_mask via a phase: action")
	}

	return &Rule{
		ID:         spec.ID,
		GIDs:       spec.GIDs,
		Msg:        spec.Msg,
		VarIndices: vars,
		Operator:   op,
		Negative:   negative,
		Transforms: spec.Transforms,
		PhaseMask:  spec.Phase,
		Level:      spec.Level,
		Status:     spec.Status,
		IsChain:    spec.IsChain,
		raw:        strings.Join(args, " "),
	}, nil
}

// parseBlockListDirective builds a BlockListEntry from `<var> <regex>`,
// grounded on ngx_yy_sec_waf_re.c's re_block_list. cache is threaded
// through to dedup against identical rule-operator regexes.
func parseBlockListDirective(args []string, cache *RuleCache) (BlockListEntry, error) {
	if len(args) != 2 {
		return BlockListEntry{}, fmt.Errorf("block_list requires exactly <var> <regex>")
	}

	name := strings.TrimPrefix(args[0], "$")
	v, ok := variableIndex(name)
	if !ok {
		return BlockListEntry{}, fmt.Errorf("unknown variable %q", name)
	}

	re, err := regexCompileCaseInsensitiveMultiline(args[1], cache)
	if err != nil {
		return BlockListEntry{}, fmt.Errorf("compiling block_list regex %q: %w", args[1], err)
	}

	return BlockListEntry{VariableIndex: v, Regex: re}, nil
}

// loadRuleFile reads an external rule file: one directive per line, blank
// lines and '#' comments ignored, tokens split the way a Caddyfile line
// would be (whitespace-separated, double-quoted spans kept intact).
// Grounded on the teacher's RuleFiles mechanism (types.go's RuleFiles
// field), repurposed to carry the new rule/block_list directive grammar
// instead of the teacher's JSON rule documents. cache is shared with
// whatever rules were already parsed from the inline Caddyfile block, so a
// regex repeated across an inline rule and a rule file compiles once.
func loadRuleFile(path string, builder *ruleBuilder, engine *Engine, cache *RuleCache) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening rule file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens := splitDirectiveLine(line)
		if len(tokens) == 0 {
			continue
		}

		directive, args := tokens[0], tokens[1:]
		switch directive {
		case "rule":
			r, err := parseRuleDirective(args, cache)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			builder.addRule(r)

		case "block_list":
			entry, err := parseBlockListDirective(args, cache)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			engine.BlockList = append(engine.BlockList, entry)

		default:
			return fmt.Errorf("%s:%d: unknown directive %q", path, lineNo, directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading rule file %s: %w", path, err)
	}

	builder.finish()
	return nil
}

// splitDirectiveLine tokenizes one rule-file line, treating a
// double-quoted span as a single token (quotes stripped) so an action
// clause like "phase:1,2" or a message like "msg:'sql injection'" survives
// intact even though it contains no special meaning to the tokenizer
// itself.
func splitDirectiveLine(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' || c == '\t':
			if inQuotes {
				cur.WriteByte(c)
			} else {
				flush()
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// UnmarshalCaddyfile parses the `waf { ... }` block, satisfying
// caddyfile.Unmarshaler. Supported directives mirror §6's External
// Interfaces plus the supplemental domain-stack directives documented
// alongside it.
func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	engine := NewEngine()
	builder := newRuleBuilder(engine)
	if m.ruleCache == nil {
		m.ruleCache = NewRuleCache()
	}

	for d.Next() {
		for d.NextBlock(0) {
			directive := d.Val()
			args := d.RemainingArgs()

			switch directive {
			case "rule":
				r, err := parseRuleDirective(args, m.ruleCache)
				if err != nil {
					return d.Errf("parsing rule: %v", err)
				}
				builder.addRule(r)

			case "rule_file":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.RuleFiles = append(m.RuleFiles, args[0])

			case "block_list":
				entry, err := parseBlockListDirective(args, m.ruleCache)
				if err != nil {
					return d.Errf("parsing block_list: %v", err)
				}
				engine.BlockList = append(engine.BlockList, entry)

			case "denied_url":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.DeniedURLFile = args[0]

			case "conn_processor":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.ConnProcessorEnabled = args[0] == "on"

			case "ip_blacklist_file":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.IPBlacklistFile = args[0]

			case "dns_blacklist_file":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.DNSBlacklistFile = args[0]

			case "country_block":
				filter, err := parseCountryFilterDirective(args)
				if err != nil {
					return d.Errf("parsing country_block: %v", err)
				}
				m.CountryBlock = filter

			case "country_whitelist":
				filter, err := parseCountryFilterDirective(args)
				if err != nil {
					return d.Errf("parsing country_whitelist: %v", err)
				}
				m.CountryWhitelist = filter

			case "custom_response":
				if len(args) != 3 {
					return d.ArgErr()
				}
				status, err := strconv.Atoi(args[0])
				if err != nil {
					return d.Errf("invalid custom_response status %q: %v", args[0], err)
				}
				body, err := os.ReadFile(args[2])
				if err != nil {
					return d.Errf("reading custom_response body %s: %v", args[2], err)
				}
				if m.CustomResponses == nil {
					m.CustomResponses = make(map[int]CustomBlockResponse)
				}
				m.CustomResponses[status] = CustomBlockResponse{
					StatusCode:  status,
					ContentType: args[1],
					Body:        string(body),
				}

			case "log_severity":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.LogSeverity = args[0]

			case "log_file":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.LogFilePath = args[0]

			case "log_json":
				m.LogJSON = true

			case "metrics_endpoint":
				if len(args) != 1 {
					return d.ArgErr()
				}
				m.MetricsEndpoint = args[0]

			default:
				return d.ArgErr()
			}
		}
	}

	builder.finish()
	m.engine = engine
	return nil
}

// parseCountryFilterDirective builds a CountryAccessFilter from
// `<geoip_db_path> <country-code>...`.
func parseCountryFilterDirective(args []string) (CountryAccessFilter, error) {
	if len(args) < 2 {
		return CountryAccessFilter{}, fmt.Errorf("requires <geoip_db_path> and at least one country code")
	}
	return CountryAccessFilter{
		Enabled:     true,
		GeoIPDBPath: args[0],
		CountryList: args[1:],
	}, nil
}
