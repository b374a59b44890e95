package flow

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ${a.b.c} placeholders address call variables by path.
var placeholder = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}`)

// rewriteCondition turns ${a.b} into a nil-safe member chain (a?.b) so that
// missing variables compare as nil instead of failing.
func rewriteCondition(src string) string {
	return placeholder.ReplaceAllStringFunc(src, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		return "(" + strings.ReplaceAll(path, ".", "?.") + ")"
	})
}

func compileCondition(src string) (*vm.Program, error) {
	return expr.Compile(rewriteCondition(src), expr.AllowUndefinedVariables(), expr.AsBool())
}

// evalCondition treats any runtime failure as false.
func evalCondition(p *vm.Program, ec ExecutionContext) bool {
	out, err := expr.Run(p, conditionEnv(ec))
	if err != nil {
		return false
	}
	b, _ := out.(bool)
	return b
}

func conditionEnv(ec ExecutionContext) map[string]any {
	env := make(map[string]any, len(ec.Variables)+4)
	for k, v := range ec.Variables {
		env[k] = v
	}
	tags := make(map[string]any, len(ec.Tags))
	for k, v := range ec.Tags {
		tags[k] = v
	}
	env["variables"] = ec.Variables
	env["tags"] = tags
	env["callId"] = ec.CallID
	env["tenantId"] = ec.TenantID
	return env
}
