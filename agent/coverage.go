package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quailyquaily/smartops/llm"
)

var multiTargetPhrases = []string{
	"all instances",
	"all my instances",
	"every instance",
	"all servers",
	"all my servers",
	"every server",
	"on all",
	"across all",
}

var targetArgKeys = []string{"InstanceIds", "InstanceId", "instance_ids", "instance_id"}

// IsMultiTargetPrompt reports whether a prompt asks for an operation on all
// known targets.
func IsMultiTargetPrompt(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, phrase := range multiTargetPhrases {
		if strings.Contains(p, phrase) {
			return true
		}
	}
	return false
}

// TargetsOf returns the target ids named in a tool call's arguments, in
// argument order without duplicates.
func TargetsOf(args map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, key := range targetArgKeys {
		switch v := args[key].(type) {
		case string:
			add(v)
		case []string:
			for _, s := range v {
				add(s)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}

// validateCoverage checks that the dispatching calls of one model turn
// together target every known target. Reads and discovery calls are not
// checked, and turns without a dispatching call that names a target pass.
func validateCoverage(prompt string, known map[string]string, calls []llm.ToolCall, dispatches func(llm.ToolCall) bool) *WorkflowValidationError {
	if len(known) == 0 || !IsMultiTargetPrompt(prompt) {
		return nil
	}
	covered := map[string]bool{}
	for _, c := range calls {
		if dispatches != nil && !dispatches(c) {
			continue
		}
		for _, id := range TargetsOf(c.Arguments) {
			covered[id] = true
		}
	}
	if len(covered) == 0 {
		return nil
	}

	expected := sortedKeys(known)
	var missing []string
	for _, id := range expected {
		if !covered[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	got := make([]string, 0, len(covered))
	for id := range covered {
		got = append(got, id)
	}
	sort.Strings(got)
	return &WorkflowValidationError{Expected: expected, Covered: got, Missing: missing}
}

// correctionText asks the model to reissue its calls so they cover the
// missing targets, grouped per platform.
func correctionText(verr *WorkflowValidationError, known map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "VALIDATION ERROR: the request applies to ALL %d known instances, but your tool calls only target %d. ",
		len(verr.Expected), len(verr.Covered))
	fmt.Fprintf(&b, "Missing instances: %s. ", strings.Join(verr.Missing, ", "))
	b.WriteString("None of the previous tool calls were executed. Issue the tool calls again so that together they target every instance. ")

	byPlatform := map[string][]string{}
	for _, id := range verr.Expected {
		p := strings.ToLower(strings.TrimSpace(known[id]))
		if p == "" {
			p = "unknown"
		}
		byPlatform[p] = append(byPlatform[p], id)
	}
	if len(byPlatform) > 1 {
		b.WriteString("Use one send-command call per platform")
		for _, p := range sortedKeys(byPlatform) {
			doc := "AWS-RunShellScript"
			if p == "windows" {
				doc = "AWS-RunPowerShellScript"
			}
			fmt.Fprintf(&b, "; %s (%s): %s", p, doc, strings.Join(byPlatform[p], ", "))
		}
		b.WriteString(".")
	}
	return strings.TrimSpace(b.String())
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
