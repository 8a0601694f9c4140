package pipeline

import "testing"

func TestParseVerdict_PlainObject(t *testing.T) {
	v := parseVerdict(`{"pass":true,"criteria":["a","b"],"gaps":[]}`)
	if !v.Pass {
		t.Error("expected pass")
	}
	if len(v.Criteria) != 2 {
		t.Errorf("expected 2 criteria, got %v", v.Criteria)
	}
}

func TestParseVerdict_SurroundingProse(t *testing.T) {
	out := "I reviewed the worktree carefully.\n\n" +
		`{"pass":false,"criteria":[],"gaps":["no tests"],"testResults":"3 failed"}` +
		"\n\nLet me know if you need more detail."
	v := parseVerdict(out)
	if v.Pass {
		t.Error("expected fail")
	}
	if len(v.Gaps) != 1 || v.Gaps[0] != "no tests" {
		t.Errorf("unexpected gaps: %v", v.Gaps)
	}
	if v.TestResults != "3 failed" {
		t.Errorf("unexpected testResults: %q", v.TestResults)
	}
}

func TestParseVerdict_FirstObjectAuthoritative(t *testing.T) {
	out := `{"pass":true,"criteria":["x"],"gaps":[]} {"pass":false,"gaps":["ignored"]}`
	v := parseVerdict(out)
	if !v.Pass {
		t.Error("the first JSON object must win")
	}
}

func TestParseVerdict_BraceInsideString(t *testing.T) {
	v := parseVerdict(`{"pass":false,"criteria":[],"gaps":["function foo() { missing closing behavior }"]}`)
	if v.Pass {
		t.Error("expected fail")
	}
	if len(v.Gaps) != 1 {
		t.Errorf("braces inside string literals must not end the object: %v", v.Gaps)
	}
}

func TestParseVerdict_NestedObject(t *testing.T) {
	v := parseVerdict(`{"pass":true,"criteria":["x"],"gaps":[],"testResults":"{\"suite\":\"ok\"}"}`)
	if !v.Pass {
		t.Error("expected nested-looking content to parse")
	}
}

func TestParseVerdict_Unparsable_DegradesToFail(t *testing.T) {
	for _, out := range []string{
		"",
		"the implementation looks great to me!",
		"{truncated",
		`{"pass": "not a bool"}`,
	} {
		v := parseVerdict(out)
		if v.Pass {
			t.Errorf("unparsable output %q must degrade to fail", out)
		}
		if len(v.Gaps) == 0 {
			t.Errorf("unparsable output %q must carry an explanatory gap", out)
		}
	}
}
