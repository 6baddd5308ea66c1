package broker

import (
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/template"
)

// buildEnv constructs the variable environment for template rendering and
// when-predicate evaluation (spec §4.3 "Variable environment binding").
func buildEnv(exec model.Execution, state *executionState) template.Env {
	env := template.Env{
		"workload":     model.JSONObject(exec.Workload),
		"execution_id": exec.ExecutionID,
	}
	if exec.Parent != nil {
		env["parent_execution_id"] = exec.Parent.ExecutionID
		env["parent_step"] = exec.Parent.StepName
	}

	for nodeID, latest := range state.latestByNode {
		if categorize(latest) != categoryCompleted {
			continue
		}
		result := latest.Payload["result"]
		env[nodeID] = model.JSONObject{
			"result": result,
			"data":   result,
		}
	}
	return env
}
