// Package nestor is a queue-backed agent execution platform.
//
// Nestor accepts natural-language task descriptions, drives an LLM
// through a stop-and-wait reason→act loop, executes tool calls against
// a dynamic fleet of out-of-process tool servers, and records a
// complete step-by-step trajectory of every run.
//
// # Quick Start
//
// Install Nestor:
//
//	go install github.com/kadirpekel/nestor/cmd/nestor@latest
//
// Create a configuration:
//
//	yaml
//	queue:
//	  endpoint: "redis://localhost:6379/0"
//	providers:
//	  default:
//	    type: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//	tools:
//	  servers:
//	    - server_id: "microsandbox"
//	      dir: "./toolservers/microsandbox"
//
// Start the platform:
//
//	nestor serve --config nestor.yaml
//
// # Package Layout
//
//   - pkg/reasoning: the stop-and-wait loop engine
//   - pkg/tools: tool server registry, supervision, and RPC routing
//   - pkg/dispatch: the queue-backed worker fabric
//   - pkg/memory: cross-task session store and summarization
//   - pkg/codec: prompt construction and streamed-output parsing
//   - pkg/trajectory: durable step-by-step run records
package nestor
