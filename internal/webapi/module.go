package webapi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ModuleGlobal is where the application module's exports land.
const ModuleGlobal = "__gateway_module__"

// LoadScript reads the application script at path and bundles it with its
// imports when it has any. Relative imports resolve against the script's
// directory.
func LoadScript(path string) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	src := string(source)
	if !needsBundling(src) {
		return src, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	result := api.Build(api.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        api.FormatESModule,
		Write:         false,
		Platform:      api.PlatformNeutral,
		Target:        api.ES2022,
		TreeShaking:   api.TreeShakingFalse,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("bundling %s: %s", filepath.Base(path), joinMessages(result.Errors))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", filepath.Base(path))
	}
	return string(result.OutputFiles[0].Contents), nil
}

// needsBundling checks for import statements. Scripts without them skip
// the build step.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "require(")
}

// WrapESModule turns ES module source into a plain script that assigns the
// module's exports to globalThis.__gateway_module__. A default export
// replaces the namespace so `export default { handle }` and
// `export function handle` are both reachable the same way.
func WrapESModule(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis." + ModuleGlobal,
		Target:     api.ESNext,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("compiling script: %s", joinMessages(result.Errors))
	}
	code := string(result.Code)
	code += "if(globalThis." + ModuleGlobal + "&&globalThis." + ModuleGlobal + ".default)" +
		"globalThis." + ModuleGlobal + "=globalThis." + ModuleGlobal + ".default;\n"
	return code, nil
}

func joinMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}
