package caddywaf

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
)

// DebugRequest logs a detailed snapshot of the current request context,
// gated on log_severity being "debug". Grounded on the teacher's
// DebugRequest, adapted from its WAFState/anomaly-score fields to the
// evaluator's RequestContext.
func (m *Middleware) DebugRequest(r *http.Request, ctx *RequestContext, msg string) {
	if m.LogSeverity != "debug" {
		return
	}

	m.logger.Debug(fmt.Sprintf("waf debug: %s", msg),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("query", r.URL.RawQuery),
		zap.Bool("matched", ctx.Matched),
		zap.Uint("rule_id", ctx.RuleID),
		zap.Int("action_level", int(ctx.ActionLevel)),
		zap.Bool("process_body_error", ctx.ProcessBodyError),
		zap.String("process_body_error_msg", ctx.ProcessBodyErrorMsg),
	)
}

// DumpRulesToFile writes a human-readable listing of every loaded chain
// group, grouped by phase, for operator inspection. Grounded on the
// teacher's DumpRulesToFile, adapted to the chain-group rule shape.
func (m *Middleware) DumpRulesToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintln(f, "=== WAF Rules Dump ===")
	fmt.Fprintln(f)

	if m.engine == nil {
		fmt.Fprintln(f, "no rules loaded")
		return nil
	}

	for _, phase := range phaseOrder {
		groups := m.engine.RulesByPhase[phase]
		fmt.Fprintf(f, "== Phase %s ==\n", phase)
		if len(groups) == 0 {
			fmt.Fprintln(f, "  no rules for this phase")
			fmt.Fprintln(f)
			continue
		}

		for i, group := range groups {
			fmt.Fprintf(f, "  Chain group %d:\n", i+1)
			for _, r := range group {
				fmt.Fprintf(f, "    id=%d msg=%q lev=%d chain=%v raw=%q\n",
					r.ID, r.Msg, r.Level, r.IsChain, r.raw)
			}
		}
		fmt.Fprintln(f)
	}

	return nil
}
