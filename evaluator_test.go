package caddywaf

import "testing"

func ruleFor(t *testing.T, vars, operator string, actions ...string) *Rule {
	t.Helper()
	args := append([]string{vars, operator}, actions...)
	r, err := parseRuleDirective(args, nil)
	if err != nil {
		t.Fatalf("building rule: %v", err)
	}
	return r
}

func TestEvaluateRuleMatch(t *testing.T) {
	r := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "lev:block")
	ctx := NewRequestContext()
	ctx.Args = []byte("admin")

	if evaluateRule(r, ctx) != outcomeMatch {
		t.Fatal("expected a match")
	}
}

func TestEvaluateRuleNoMatch(t *testing.T) {
	r := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "lev:block")
	ctx := NewRequestContext()
	ctx.Args = []byte("guest")

	if evaluateRule(r, ctx) != outcomeNoMatch {
		t.Fatal("expected no match")
	}
}

func TestEvaluateRuleAgainOnAbsentVariable(t *testing.T) {
	r := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "lev:block")
	ctx := NewRequestContext() // no Args, no PostArgs set

	if evaluateRule(r, ctx) != outcomeAgain {
		t.Fatal("expected AGAIN when the variable is absent")
	}
}

func TestEvaluateRuleNegation(t *testing.T) {
	r := ruleFor(t, "$ARGS", "!str:admin", "id:1", "phase:1", "lev:block")
	ctx := NewRequestContext()
	ctx.Args = []byte("guest")

	if evaluateRule(r, ctx) != outcomeMatch {
		t.Fatal("negated operator should match when the literal is absent")
	}
}

func TestEvaluateRuleGtNonNumericIsNoMatch(t *testing.T) {
	r := ruleFor(t, "$ARGS", "gt:10", "id:1", "phase:1", "lev:block")
	ctx := NewRequestContext()
	ctx.Args = []byte("not-a-number")

	if evaluateRule(r, ctx) != outcomeNoMatch {
		t.Fatal("gt execute() treats a non-numeric value as no-match, not an operator error")
	}
}

func TestEvaluateRuleAppliesTransform(t *testing.T) {
	r := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "lev:block", "t:lowercase")
	ctx := NewRequestContext()
	ctx.Args = []byte("ADMIN")

	if evaluateRule(r, ctx) != outcomeMatch {
		t.Fatal("expected the lowercase transform to normalize the value before matching")
	}
}

func TestEvaluatePhaseSingleRuleGroup(t *testing.T) {
	e := NewEngine()
	r := ruleFor(t, "$ARGS", "regex:(?i)union.+select", "id:1001", "phase:1", "lev:block", "status:403")
	e.AddChainGroup(ChainGroup{r})

	ctx := NewRequestContext()
	ctx.Args = []byte("union select 1")

	matched, err := e.EvaluatePhase(PhaseRequestHeader, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !matched || !ctx.Matched || ctx.RuleID != 1001 || ctx.Status != 403 {
		t.Fatalf("matched=%v ctx=%+v", matched, ctx)
	}
}

func TestEvaluatePhaseNoMatchLeavesContextUntouched(t *testing.T) {
	e := NewEngine()
	r := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "lev:block")
	e.AddChainGroup(ChainGroup{r})

	ctx := NewRequestContext()
	ctx.Args = []byte("guest")

	matched, err := e.EvaluatePhase(PhaseRequestHeader, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if matched || ctx.Matched {
		t.Fatal("expected no match")
	}
}

func TestEvaluatePhaseChainRequiresAllMembers(t *testing.T) {
	e := NewEngine()
	first := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "chain")
	second := ruleFor(t, "$REQUEST_METHOD", "str:POST", "id:2", "phase:1", "lev:block")
	e.AddChainGroup(ChainGroup{first, second})

	ctx := NewRequestContext()
	ctx.Args = []byte("admin")
	ctx.RequestMethod = "GET"

	matched, err := e.EvaluatePhase(PhaseRequestHeader, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if matched {
		t.Fatal("chain should not match unless every member matches")
	}
}

func TestEvaluatePhaseChainAllMembersMatch(t *testing.T) {
	e := NewEngine()
	first := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "chain")
	second := ruleFor(t, "$REQUEST_METHOD", "str:POST", "id:2", "phase:1", "lev:block")
	e.AddChainGroup(ChainGroup{first, second})

	ctx := NewRequestContext()
	ctx.Args = []byte("admin")
	ctx.RequestMethod = "POST"

	matched, err := e.EvaluatePhase(PhaseRequestHeader, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !matched || ctx.RuleID != 2 {
		t.Fatalf("expected the chain's final rule to win, got matched=%v ruleID=%d", matched, ctx.RuleID)
	}
}

func TestEvaluatePhaseAlreadyProcessedIsNoop(t *testing.T) {
	e := NewEngine()
	r := ruleFor(t, "$ARGS", "str:admin", "id:1", "phase:1", "lev:block")
	e.AddChainGroup(ChainGroup{r})

	ctx := NewRequestContext()
	ctx.Args = []byte("admin")
	ctx.ProcessDone = true

	matched, err := e.EvaluatePhase(PhaseRequestHeader, ctx)
	if err != nil || matched {
		t.Fatal("a phase must not run once ProcessDone is set")
	}
}

func TestApplyBlockListEscalatesAllowToBlock(t *testing.T) {
	e := NewEngine()
	entry, err := parseBlockListDirective([]string{"$REMOTE_ADDR", `^10\.0\.0\.5$`}, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.BlockList = append(e.BlockList, entry)

	ctx := NewRequestContext()
	ctx.RemoteAddr = "10.0.0.5"
	ctx.ActionLevel = ActionAllow

	e.applyBlockList(ctx)

	if ctx.ActionLevel&ActionAllow != 0 {
		t.Fatal("block_list match must strip ActionAllow")
	}
	if ctx.ActionLevel&ActionBlock == 0 || ctx.ActionLevel&ActionLog == 0 {
		t.Fatalf("ActionLevel=%v, want block|log set", ctx.ActionLevel)
	}
}

func TestApplyBlockListNoMatchLeavesActionLevelAlone(t *testing.T) {
	e := NewEngine()
	entry, err := parseBlockListDirective([]string{"$REMOTE_ADDR", `^10\.0\.0\.5$`}, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.BlockList = append(e.BlockList, entry)

	ctx := NewRequestContext()
	ctx.RemoteAddr = "192.168.1.1"
	ctx.ActionLevel = ActionAllow

	e.applyBlockList(ctx)

	if ctx.ActionLevel != ActionAllow {
		t.Fatalf("ActionLevel=%v, want unchanged ActionAllow", ctx.ActionLevel)
	}
}
