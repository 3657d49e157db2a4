// Package builtin provides text capabilities that need no external service.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"OpenMCP-Hub/internal/step"
)

const (
	CapabilityEcho = "text.echo"
	CapabilityJoin = "text.join"
)

// Register adds the built-in capabilities to reg.
func Register(reg *step.Registry) error {
	if err := reg.Register(CapabilityEcho, Echo()); err != nil {
		return err
	}
	return reg.Register(CapabilityJoin, Join())
}

// Echo returns params.value, optionally prefixed by params.prefix.
func Echo() step.Capability {
	return step.CapabilityFunc(func(_ context.Context, params map[string]any, _ step.ExecContext) (any, error) {
		text := fmt.Sprint(params["value"])
		if prefix, ok := params["prefix"].(string); ok && prefix != "" {
			text = prefix + text
		}
		return text, nil
	})
}

// Join concatenates params.parts with params.sep (default single space).
// A map of parts is joined in key order.
func Join() step.Capability {
	return step.CapabilityFunc(func(_ context.Context, params map[string]any, _ step.ExecContext) (any, error) {
		sep := " "
		if s, ok := params["sep"].(string); ok {
			sep = s
		}
		var parts []string
		switch v := params["parts"].(type) {
		case []string:
			parts = v
		case []any:
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, fmt.Sprint(v[k]))
			}
		case nil:
			return nil, fmt.Errorf("text.join 需要 parts 参数")
		default:
			parts = []string{fmt.Sprint(v)}
		}
		return strings.Join(parts, sep), nil
	})
}
