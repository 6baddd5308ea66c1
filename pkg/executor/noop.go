package executor

import (
	"context"

	"github.com/noetl/noetl/pkg/model"
)

// Noop always succeeds, echoing its config back as the result. Used for
// start/noop playbook steps and for exercising the dispatcher in tests
// without a real backend.
type Noop struct{}

func (Noop) Execute(_ context.Context, actionSpec model.ActionSpec, _ model.JSONObject, _ map[string]model.CredentialRef, _ Reporter) (any, error) {
	return actionSpec.Config, nil
}
