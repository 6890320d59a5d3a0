package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coderunner-ai/coderunner/internal/agent"
	"github.com/coderunner-ai/coderunner/internal/logging"
	"github.com/coderunner-ai/coderunner/internal/store"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
	store   *store.Store
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, st *store.Store) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		store:   st,
	}
}

// Store returns the store instance backing session/todo-scoped tools.
func (r *Registry) Store() *store.Store {
	return r.store
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Debug().Str("tool", tool.ID()).Msg("registry: registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// Validate checks input against the registered tool's JSON Schema before
// dispatch, so a malformed call from the model surfaces as a tool error
// instead of reaching Execute with an input the tool wasn't built to handle.
func (r *Registry) Validate(id string, input json.RawMessage) error {
	t, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("tool not found: %s", id)
	}

	schemaJSON := t.Parameters()
	if len(schemaJSON) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", id, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(id+".json", schemaDoc); err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", id, err)
	}
	sch, err := c.Compile(id + ".json")
	if err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", id, err)
	}

	var inputDoc any
	if len(input) == 0 {
		inputDoc = map[string]any{}
	} else if err := json.Unmarshal(input, &inputDoc); err != nil {
		return fmt.Errorf("invalid input for tool %s: %w", id, err)
	}

	if err := sch.Validate(inputDoc); err != nil {
		return fmt.Errorf("input for tool %s failed validation: %w", id, err)
	}
	return nil
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, st *store.Store) *Registry {
	logging.Debug().Str("workDir", workDir).Msg("registry: creating default registry")
	r := NewRegistry(workDir, st)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, st))
	r.Register(NewTodoReadTool(workDir, st))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	logging.Debug().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("registry: default registry created")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	logging.Debug().Msg("registry: registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["Task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			logging.Debug().Msg("registry: task executor configured")
		}
	}
}
