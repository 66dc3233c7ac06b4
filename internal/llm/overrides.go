package llm

import (
	"fmt"
	"strings"
)

// applyOverrides substitutes caller-supplied prompt parameters into the
// system prompt. A parameter named user_name replaces every {user_name}
// placeholder; unknown placeholders stay as written.
func applyOverrides(system string, overrides map[string]any) string {
	if system == "" || len(overrides) == 0 {
		return system
	}
	pairs := make([]string, 0, len(overrides)*2)
	for k, v := range overrides {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(system)
}
