package graphql

import (
	"testing"

	"metlo-agent-core/internal/trace"
)

func TestExtract_POST_ParsesEnvelope(t *testing.T) {
	body := `{"query":"{ widgets { id } }","variables":{"limit":5},"operationName":"ListWidgets"}`
	got := Extract("POST", body, nil)
	if got == nil {
		t.Fatal("expected a non-nil result")
	}
	if got.Query != "{ widgets { id } }" || got.OperationName != "ListWidgets" {
		t.Errorf("unexpected result: %+v", got)
	}
	m, ok := got.Variables.(map[string]any)
	if !ok || m["limit"] != float64(5) {
		t.Errorf("expected variables.limit=5, got %+v", got.Variables)
	}
}

func TestExtract_POST_MalformedBody_ReturnsNil(t *testing.T) {
	if got := Extract("POST", "not json", nil); got != nil {
		t.Errorf("expected nil for malformed body, got %+v", got)
	}
}

func TestExtract_POST_EmptyBody_ReturnsNil(t *testing.T) {
	if got := Extract("POST", "", nil); got != nil {
		t.Error("expected nil for empty body")
	}
}

func TestExtract_GET_ReadsQueryParams(t *testing.T) {
	params := []trace.KeyVal{
		{Name: "query", Value: "{ widgets { id } }"},
		{Name: "variables", Value: `{"limit":5}`},
		{Name: "operationName", Value: "ListWidgets"},
	}
	got := Extract("GET", "", params)
	if got == nil {
		t.Fatal("expected a non-nil result")
	}
	m, ok := got.Variables.(map[string]any)
	if !ok || m["limit"] != float64(5) {
		t.Errorf("expected decoded JSON variables, got %+v", got.Variables)
	}
}

func TestExtract_GET_NonJSONVariables_KeptAsString(t *testing.T) {
	params := []trace.KeyVal{
		{Name: "query", Value: "{ widgets { id } }"},
		{Name: "variables", Value: "not-json"},
	}
	got := Extract("GET", "", params)
	if got == nil || got.Variables != "not-json" {
		t.Errorf("expected raw string fallback, got %+v", got)
	}
}

func TestExtract_GET_NoRelevantParams_ReturnsNil(t *testing.T) {
	params := []trace.KeyVal{{Name: "foo", Value: "bar"}}
	if got := Extract("GET", "", params); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestExtract_OtherMethod_ReturnsNil(t *testing.T) {
	if got := Extract("PUT", `{"query":"x"}`, nil); got != nil {
		t.Error("expected nil for non-GET/POST method")
	}
}
