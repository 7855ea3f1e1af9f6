package field

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// limitEnv is the expression environment; "value" is the candidate value.
type limitEnv = map[string]any

// sampleFor returns a typed placeholder so expr can type-check at compile time.
func sampleFor(k Kind) any {
	switch k {
	case KindBool:
		return false
	case KindInt:
		return 0
	case KindFloat:
		return 0.0
	case KindStringList:
		return []string{}
	case KindTime:
		return time.Time{}
	default:
		return ""
	}
}

// limitSource turns the range:/enum: shorthands into an expr expression.
func limitSource(k Kind, limits string) (string, error) {
	switch {
	case strings.HasPrefix(limits, "range:"):
		if k != KindInt && k != KindFloat {
			return "", fmt.Errorf("range limits on %s field", k)
		}
		lo, hi, ok := strings.Cut(strings.TrimPrefix(limits, "range:"), ",")
		if !ok {
			return "", fmt.Errorf("range %q: want lo,hi", limits)
		}
		lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
		l, err := strconv.ParseFloat(lo, 64)
		if err != nil {
			return "", fmt.Errorf("range low bound: %w", err)
		}
		h, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return "", fmt.Errorf("range high bound: %w", err)
		}
		if l > h {
			return "", fmt.Errorf("range %q: low bound above high bound", limits)
		}
		return fmt.Sprintf("value >= %s && value <= %s", lo, hi), nil

	case strings.HasPrefix(limits, "enum:"):
		items := strings.Split(strings.TrimPrefix(limits, "enum:"), ",")
		quoted := make([]string, 0, len(items))
		for _, it := range items {
			it = strings.TrimSpace(it)
			if it == "" {
				continue
			}
			switch k {
			case KindInt, KindFloat:
				if _, err := strconv.ParseFloat(it, 64); err != nil {
					return "", fmt.Errorf("enum item %q: %w", it, err)
				}
				quoted = append(quoted, it)
			case KindString:
				quoted = append(quoted, strconv.Quote(it))
			default:
				return "", fmt.Errorf("enum limits on %s field", k)
			}
		}
		if len(quoted) == 0 {
			return "", fmt.Errorf("enum %q: no items", limits)
		}
		return "value in [" + strings.Join(quoted, ", ") + "]", nil

	default:
		return limits, nil
	}
}

// compileLimits compiles a Def's limits to a boolean program. An empty limits
// string yields a nil program.
func compileLimits(d Def) (*vm.Program, error) {
	if strings.TrimSpace(d.Limits) == "" {
		return nil, nil
	}
	src, err := limitSource(d.Kind, strings.TrimSpace(d.Limits))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDef, d.Name, err)
	}
	program, err := expr.Compile(src, expr.Env(limitEnv{"value": sampleFor(d.Kind)}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: limits: %w", ErrInvalidDef, d.Name, err)
	}
	return program, nil
}

// withinLimits evaluates a compiled limits program against v.
func withinLimits(program *vm.Program, v Value) (bool, error) {
	if program == nil {
		return true, nil
	}
	out, err := expr.Run(program, limitEnv{"value": v.Any()})
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}
