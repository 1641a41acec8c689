package orchestrator

import (
	"context"
	"strings"

	"github.com/go-resty/resty/v2"

	"orchd/pkg/types"
)

// TestExternal probes a candidate external URL for a service using the
// service's own health contract when one is defined, falling back to a
// plain GET against the URL root.
func (o *Orchestrator) TestExternal(ctx context.Context, name, url string) types.TestResult {
	def, ok := o.reg.Get(name)
	if !ok {
		return types.TestResult{Success: false, Error: "unknown service: " + name}
	}
	url = strings.TrimRight(url, "/")
	if def.Check != nil {
		if err := def.Check(ctx, url); err != nil {
			return types.TestResult{Success: false, Error: err.Error()}
		}
		return types.TestResult{Success: true}
	}
	resp, err := resty.New().R().SetContext(ctx).Get(url + "/")
	if err != nil {
		return types.TestResult{Success: false, Error: err.Error()}
	}
	if resp.IsError() {
		return types.TestResult{Success: false, Error: resp.Status()}
	}
	return types.TestResult{Success: true}
}
