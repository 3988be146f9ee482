package caddywaf

import (
	"net/http"

	"go.uber.org/zap"
)

// maxLoggedStringLen caps the variable snapshot quoted in the match log
// line, grounded on the original's MAX_ERROR_STR-300 truncation budget.
const maxLoggedStringLen = 1724 // a conservative MAX_ERROR_STR (2048) minus 300 plus room for the id/ip fields already logged separately

// Intercept applies the winning action recorded in ctx by the evaluator,
// grounded on yy_sec_waf_re_perform_interception: it requires a match and a
// populated client address, updates counters, logs once, and — if BLOCK is
// set — writes the denial response and reports handled.
//
// Unlike the original, which also requires a populated raw string and a
// server_ip captured from the nginx connection, this Caddy module derives
// call context entirely from the *http.Request and so only requires
// RemoteAddr; an empty RawString is logged as an empty matched value (see
// DESIGN.md's Open Question decisions).
func (m *Middleware) Intercept(w http.ResponseWriter, r *http.Request, ctx *RequestContext) (handled bool) {
	if !ctx.Matched || ctx.RemoteAddr == "" {
		return false
	}

	ctx.ProcessDone = true
	m.recordOutcome(ctx.ActionLevel)
	m.recordRuleHit(ctx.RuleID)
	m.logMatch(ctx)

	if ctx.ActionLevel&ActionBlock == 0 {
		return false
	}

	m.writeDenialResponse(w, ctx)
	return true
}

func (m *Middleware) logMatch(ctx *RequestContext) {
	severity := "alert"
	switch {
	case ctx.ActionLevel&ActionBlock != 0:
		severity = "block"
	case ctx.ActionLevel&ActionAllow != 0:
		severity = "allow"
	}

	fields := []zap.Field{
		zap.String("severity", severity),
		zap.Uint("rule_id", ctx.RuleID),
		zap.String("gids", ctx.GIDs),
		zap.String("msg", ctx.Msg),
		zap.String("remote_addr", ctx.RemoteAddr),
		zap.String("host", ctx.Host),
		zap.String("request_id", ctx.RequestID),
		zap.String("matched_value", truncateForLog(ctx.RawString)),
	}

	switch severity {
	case "block":
		m.logger.Warn("waf rule matched", fields...)
	default:
		m.logger.Info("waf rule matched", fields...)
	}
}

func truncateForLog(raw []byte) string {
	if len(raw) <= maxLoggedStringLen {
		return string(raw)
	}
	return string(raw[:maxLoggedStringLen]) + "..."
}

// writeDenialResponse sends the configured denial page. A custom_response
// registered for ctx.Status takes precedence over the shared denied_url
// page, grounded on the teacher's CustomResponses map.
func (m *Middleware) writeDenialResponse(w http.ResponseWriter, ctx *RequestContext) {
	status := ctx.Status
	if status == 0 {
		status = defaultDeniedStatus
	}

	if custom, ok := m.CustomResponses[status]; ok {
		contentType := custom.ContentType
		if contentType == "" {
			contentType = "text/html"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(custom.Body))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	if m.engine != nil && m.engine.DeniedURL != "" {
		_, _ = w.Write([]byte(m.engine.DeniedURL))
	}
}
