package registry

import "encoding/json"

// Builtin protocol catalog. Registered at startup; additional protocols can
// be registered dynamically over the transport.

// BuiltinProtocols returns the protocols every engine instance knows.
func BuiltinProtocols() []Protocol {
	return []Protocol{
		{
			Name:    "llm",
			Version: "v1",
			Methods: map[string]MethodSpec{
				"chat": {
					Description:  "Multi-turn or single-prompt chat completion.",
					ParamsSchema: json.RawMessage(`{"type":"object","anyOf":[{"required":["prompt"]},{"required":["messages"]}],"properties":{"prompt":{"type":"string"},"messages":{"type":"array","items":{"type":"object","required":["role","content"]}},"model":{"type":"string"},"temperature":{"type":"number"}}}`),
					ResultSchema: json.RawMessage(`{"type":"object","required":["response"],"properties":{"response":{"type":"string"}}}`),
				},
				"generate": {
					Description:  "Single-shot text generation.",
					ParamsSchema: json.RawMessage(`{"type":"object","required":["prompt"],"properties":{"prompt":{"type":"string"},"model":{"type":"string"}}}`),
					ResultSchema: json.RawMessage(`{"type":"object","required":["response"],"properties":{"response":{"type":"string"}}}`),
				},
			},
		},
		{
			Name:    "python",
			Version: "v1",
			Methods: map[string]MethodSpec{
				"execute": {
					Description:  "Execute a Python snippet or file.",
					ParamsSchema: json.RawMessage(`{"type":"object","anyOf":[{"required":["code"]},{"required":["file"]}],"properties":{"code":{"type":"string"},"file":{"type":"string"},"args":{"type":"array"},"context":{"type":"object"}}}`),
					ResultSchema: json.RawMessage(`{"type":"object","properties":{"response":{},"stdout":{"type":"string"}}}`),
				},
			},
		},
		{
			Name:    "echo",
			Version: "v1",
			Methods: map[string]MethodSpec{
				"echo": {
					Description: "Return the params unchanged. Testing aid.",
				},
			},
			OpenWorld: true,
		},
	}
}

// Conventional result field: providers returning a main textual answer put
// it here so ${task.response} substitution has a stable target.
const ResponseField = "response"
