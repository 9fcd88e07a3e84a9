package agent

import (
	"strings"

	"github.com/quailyquaily/smartops/mcp"
)

// Route says how a tool call is handled.
type Route struct {
	RequiresApproval bool
	LongRunning      bool
}

type Classifier interface {
	Classify(toolName string, args map[string]any) Route
}

type ClassifierFunc func(toolName string, args map[string]any) Route

func (f ClassifierFunc) Classify(toolName string, args map[string]any) Route {
	return f(toolName, args)
}

// RuleClassifier routes by tool name with the server prefix removed.
// A tool requires approval when it is listed in WriteTools or starts with
// one of WritePrefixes; it is long-running when listed in LongRunningTools.
type RuleClassifier struct {
	WriteTools       []string
	WritePrefixes    []string
	LongRunningTools []string
}

func DefaultRuleClassifier() RuleClassifier {
	return RuleClassifier{
		WriteTools: []string{"send-command"},
		WritePrefixes: []string{
			"start-", "stop-", "reboot-", "terminate-",
			"delete-", "create-", "modify-", "update-", "put-", "attach-", "detach-",
		},
		LongRunningTools: []string{"send-command"},
	}
}

func (c RuleClassifier) Classify(toolName string, _ map[string]any) Route {
	_, tool := mcp.SplitToolName(toolName)
	tool = strings.ToLower(strings.TrimSpace(tool))
	var r Route
	for _, w := range c.WriteTools {
		if strings.EqualFold(tool, strings.TrimSpace(w)) {
			r.RequiresApproval = true
		}
	}
	for _, p := range c.WritePrefixes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.HasPrefix(tool, p) {
			r.RequiresApproval = true
		}
	}
	for _, l := range c.LongRunningTools {
		if strings.EqualFold(tool, strings.TrimSpace(l)) {
			r.LongRunning = true
		}
	}
	return r
}
