package caddywaf

import "errors"

// errOperatorFailure propagates out of a phase when an operator's execute
// step reports ERROR, matching §7's "operator ERROR returns propagate out
// of the phase and decline the request (the host decides)".
var errOperatorFailure = errors.New("caddywaf: operator execution failed")

// matchOutcome is the per-rule result of evaluate(), distinguishing a
// variable that simply wasn't ready (AGAIN) from an operator that ran and
// didn't match (NO_MATCH), per §9's recorded Open Question decision: both
// are treated identically by the chain-group walk, but kept as distinct
// values so callers can tell them apart if they need to.
type matchOutcome int

const (
	outcomeAgain matchOutcome = iota
	outcomeNoMatch
	outcomeMatch
	outcomeError
)

// evaluateRule runs r against ctx: resolve each of r.VarIndices in turn,
// apply any transformation, then execute the operator. An absent variable
// short-circuits to AGAIN without consulting the operator at all, matching
// the ModSecurity convention that absent variables neither match nor
// error.
func evaluateRule(r *Rule, ctx *RequestContext) matchOutcome {
	for _, vi := range r.VarIndices {
		value, found := resolveVariable(vi, ctx)
		if !found {
			return outcomeAgain
		}

		for _, t := range r.Transforms {
			value = ApplyTransform(t, value)
		}

		result := r.Operator.execute(value)
		if result == evalError {
			return outcomeError
		}

		matched := result == evalMatch
		if r.Negative {
			matched = !matched
		}

		if !matched {
			return outcomeNoMatch
		}
	}

	return outcomeMatch
}

// EvaluatePhase walks phase's chain groups in order, honoring the implicit
// NEXT_RULE/NEXT_CHAIN state machine: within a group every member must
// match (AND); the first group whose members all match wins and its
// winning (final, non-chained) rule is snapshotted into ctx before the
// block-list post-processor runs. Returns true if a group matched.
//
// Grounded on ngx_yy_sec_waf_re.c's process_normal_rules, generalized from
// its mode-variable state machine into §9's "chain groups" model.
func (e *Engine) EvaluatePhase(phase Phase, ctx *RequestContext) (matched bool, err error) {
	if ctx.ProcessDone {
		return false, nil
	}

	for _, group := range e.RulesByPhase[phase] {
		groupMatched := true
		var winner *Rule

		for _, r := range group {
			outcome := evaluateRule(r, ctx)
			if outcome == outcomeError {
				return false, errOperatorFailure
			}
			if outcome != outcomeMatch {
				groupMatched = false
				break
			}
			winner = r
		}

		if groupMatched && winner != nil {
			snapshotMatch(ctx, winner)
			e.applyBlockList(ctx)
			return true, nil
		}
	}

	return false, nil
}

// snapshotMatch copies the winning rule's metadata into ctx, matching
// §4.8's "snapshot {rule_id, action_level, gids, msg, status}".
func snapshotMatch(ctx *RequestContext, r *Rule) {
	ctx.Matched = true
	ctx.RuleID = r.ID
	ctx.ActionLevel = r.Level
	ctx.GIDs = r.GIDs
	ctx.Msg = r.Msg
	ctx.Status = r.Status
	if ctx.Status == 0 {
		ctx.Status = defaultDeniedStatus
	}
}

// applyBlockList runs the block-list post-processor: for each entry whose
// variable resolves and matches the entry's regex, escalate
// ctx.ActionLevel by stripping ALLOW and adding BLOCK|LOG. This can only
// ever add BLOCK|LOG and remove ALLOW, per §8's invariant that the
// block-list cannot demote a BLOCK.
func (e *Engine) applyBlockList(ctx *RequestContext) {
	for _, entry := range e.BlockList {
		value, found := resolveVariable(entry.VariableIndex, ctx)
		if !found {
			continue
		}
		if !entry.Regex.MatchString(value) {
			continue
		}

		ctx.ActionLevel &^= ActionAllow
		ctx.ActionLevel |= ActionBlock | ActionLog
	}
}
