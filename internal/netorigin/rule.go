package netorigin

import (
	"fmt"
	"net/netip"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// rule is a compiled CEL access expression. The expression sees the peer and
// local IPs as strings and the computed isLocal flag, and may call
// ip_in_range(ip, cidr).
type rule struct {
	source  string
	program cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("peer", cel.StringType),
		cel.Variable("local", cel.StringType),
		cel.Variable("isLocal", cel.BoolType),
		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRangeBinding),
			),
		),
	)
}

func compileRule(source string) (*rule, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid access rule %q: %w", source, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("access rule %q must evaluate to bool, got %s", source, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build access rule %q: %w", source, err)
	}
	return &rule{source: source, program: program}, nil
}

func (r *rule) eval(peer, local netip.Addr, isLocal bool) (bool, error) {
	localStr := ""
	if local.IsValid() {
		localStr = local.String()
	}

	out, _, err := r.program.Eval(map[string]any{
		"peer":    peer.String(),
		"local":   localStr,
		"isLocal": isLocal,
	})
	if err != nil {
		return false, err
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("access rule returned %T", out.Value())
	}
	return allowed, nil
}

// ipInRangeBinding checks if an IP is in a CIDR range (CEL binding).
func ipInRangeBinding(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return types.False
	}
	prefix, err := netip.ParsePrefix(cidrStr)
	if err != nil {
		return types.False
	}

	return types.Bool(prefix.Contains(addr.Unmap()))
}
