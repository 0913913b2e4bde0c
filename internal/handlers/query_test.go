package handlers

import (
	"net/http/httptest"
	"testing"
)

func TestFlowTraceParamsCarriesFilters(t *testing.T) {
	r := httptest.NewRequest("GET",
		"/api/v1/flow-traces?workflow_id=wf-1&node_id=node-b&search=timeout&status=error,warning&page=2&limit=25", nil)

	params, err := flowTraceParams(r)
	if err != nil {
		t.Fatalf("flowTraceParams failed: %v", err)
	}
	if params.WorkflowID != "wf-1" || params.NodeID != "node-b" {
		t.Errorf("identity filters: %+v", params)
	}
	if params.Search != "timeout" {
		t.Errorf("search = %q, want %q", params.Search, "timeout")
	}
	if len(params.Statuses) != 2 || params.Statuses[0] != "error" || params.Statuses[1] != "warning" {
		t.Errorf("statuses = %v", params.Statuses)
	}
	if params.Page != 2 || params.Limit != 25 {
		t.Errorf("pagination = page %d limit %d", params.Page, params.Limit)
	}
}
