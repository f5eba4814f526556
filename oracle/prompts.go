package oracle

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/taskmesh/types"
)

func analyzePrompt(description string, req types.Requirements) string {
	reqJSON := mustJSON(req)
	return fmt.Sprintf(`Analyze the following task and determine its complexity.

Task Description: %s
Requirements: %s

Answer in this JSON format:
{
  "complexity_score": <integer 1-10>,
  "requires_decomposition": <true/false>,
  "estimated_duration": <minutes>,
  "required_capabilities": ["<capability>", ...]
}

Consider the number of different skills required, whether steps can run in
parallel, and how much coordination between agents the task needs.`, description, reqJSON)
}

func decomposePrompt(description string, req types.Requirements) string {
	reqJSON := mustJSON(req)
	return fmt.Sprintf(`Decompose the following complex task into smaller, manageable subtasks.

Task Description: %s
Requirements: %s

Answer in this JSON format:
{
  "subtasks": [
    {
      "title": "<subtask title>",
      "description": "<detailed description>",
      "required_capabilities": ["<capability>", ...],
      "priority": <integer 1-5>,
      "estimated_duration": <minutes>,
      "dependencies": [<indices of earlier subtasks this depends on>]
    }
  ]
}

Dependencies must only reference earlier subtasks so the list forms a valid
execution order.`, description, reqJSON)
}

func planPrompt(subtasks []types.Subtask, agents []types.Agent) string {
	type agentInfo struct {
		ID           uint     `json:"id"`
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}
	infos := make([]agentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, agentInfo{ID: a.ID, Name: a.Name, Capabilities: a.Capabilities})
	}

	return fmt.Sprintf(`Create an execution plan assigning the following subtasks to available agents.

Subtasks: %s
Available Agents: %s

Answer in this JSON format:
{
  "execution_phases": [
    {
      "parallel_tasks": [
        {"subtask_index": <index>, "assigned_agent_id": <agent id>}
      ]
    }
  ],
  "critical_path": [<subtask indices on the longest dependency chain>],
  "total_duration": <minutes>,
  "resource_summary": {"<resource>": <fraction>}
}

Subtasks in the same phase run in parallel; respect subtask dependencies and
only assign agents whose capabilities cover the subtask.`, mustJSON(subtasks), mustJSON(infos))
}

func synthesizePrompt(payload map[string]any) string {
	return fmt.Sprintf(`Resolve the following conflict between coordinated agents.

Conflict Context: %s

Answer in this JSON format:
{
  "success": <true/false>,
  "decision": "<the concrete resolution>",
  "rationale": "<explanation of the resolution>",
  "details": {}
}

Focus on fair compromises and efficient resource use.`, mustJSON(payload))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
