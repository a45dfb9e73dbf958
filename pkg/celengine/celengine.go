package celengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	envCache     sync.Map
	programCache sync.Map
)

// GetOrBuildEnv returns an environment declaring one variable per key of
// attrs, typed from its sample value. Environments are cached by their
// variable signature.
func GetOrBuildEnv(attrs map[string]any) (*cel.Env, error) {
	key := signature(attrs)
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	env, err := BuildCelEnvFromAttributes(attrs)
	if err == nil {
		envCache.Store(key, env)
	}
	return env, err
}

func BuildCelEnvFromAttributes(attrs map[string]any) (*cel.Env, error) {
	variables := make([]cel.EnvOption, 0, len(attrs))
	for key, val := range attrs {
		variables = append(variables, cel.Variable(key, typeOf(val)))
	}
	return cel.NewEnv(variables...)
}

func typeOf(val any) *cel.Type {
	switch val.(type) {
	case string:
		return cel.StringType
	case int, int32, int64:
		return cel.IntType
	case float32, float64:
		return cel.DoubleType
	case bool:
		return cel.BoolType
	case []string:
		return cel.ListType(cel.StringType)
	case []any:
		return cel.ListType(cel.DynType)
	case map[string]any:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

func signature(attrs map[string]any) string {
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		parts = append(parts, fmt.Sprintf("%s:%s", k, typeOf(v)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ValidateExpression compiles expr and checks it yields a bool.
func ValidateExpression(env *cel.Env, expr string) error {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("expression must evaluate to bool, got %s", out)
	}
	return nil
}

func program(env *cel.Env, expr string) (cel.Program, error) {
	key := fmt.Sprintf("%p|%s", env, expr)
	if v, ok := programCache.Load(key); ok {
		return v.(cel.Program), nil
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	programCache.Store(key, prg)
	return prg, nil
}

// Evaluate runs a boolean expression against attrs.
func Evaluate(expr string, attrs map[string]any) (bool, error) {
	env, err := GetOrBuildEnv(attrs)
	if err != nil {
		return false, err
	}
	prg, err := program(env, expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}
