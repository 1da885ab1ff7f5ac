package runtime

import "fmt"

// WrapSource wraps validated agent code with the execution harness: a prelude
// that loads the parameter file into a `params` dict, and an epilogue that
// prints a JSON-encoded `result` if the code produced one. Agent code never
// touches the filesystem itself; the harness owns the file header, which is
// why future-imports are not part of the allowed surface.
func WrapSource(code, paramsPath string) string {
	prelude := fmt.Sprintf(`import json as _json
with open(%q) as _f:
    params = _json.load(_f)
del _f
`, paramsPath)

	const epilogue = `
if "result" in globals():
    print(_json.dumps(result, default=str))
`
	return prelude + code + epilogue
}
