package schemadiff

import "testing"

const sampleSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "widgets", "version": "1.0.0"},
  "paths": {
    "/v1/widgets/{id}": {
      "get": {
        "responses": {
          "200": {
            "description": "ok",
            "content": {
              "application/json": {
                "schema": {
                  "type": "object",
                  "required": ["id", "name"],
                  "properties": {
                    "id": {"type": "integer"},
                    "name": {"type": "string"},
                    "tags": {
                      "type": "array",
                      "items": {"type": "string"}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Load("widgets", []byte(sampleSpec)); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCheck_ConformingBody_NoFindings(t *testing.T) {
	r := loadedRegistry(t)
	body := map[string]any{"id": float64(1), "name": "gadget", "tags": []any{"a", "b"}}

	got := Check(r, "widgets", "/v1/widgets/{id}", "GET", 200, body, "resBody")
	if got != nil {
		t.Errorf("expected no findings, got %v", got)
	}
}

func TestCheck_WrongType_ReportsDottedPath(t *testing.T) {
	r := loadedRegistry(t)
	body := map[string]any{"id": "not-a-number", "name": "gadget"}

	got := Check(r, "widgets", "/v1/widgets/{id}", "GET", 200, body, "resBody")
	if got == nil {
		t.Fatal("expected findings for wrong type")
	}
	if msgs, ok := got["resBody.id"]; !ok || len(msgs) == 0 {
		t.Errorf("expected a resBody.id finding, got %v", got)
	}
}

func TestCheck_MissingRequiredField(t *testing.T) {
	r := loadedRegistry(t)
	body := map[string]any{"id": float64(1)}

	got := Check(r, "widgets", "/v1/widgets/{id}", "GET", 200, body, "resBody")
	if got == nil {
		t.Fatal("expected a finding for missing required field")
	}
}

func TestCheck_ArrayElementError_CollapsesToBracket(t *testing.T) {
	r := loadedRegistry(t)
	body := map[string]any{"id": float64(1), "name": "gadget", "tags": []any{float64(1)}}

	got := Check(r, "widgets", "/v1/widgets/{id}", "GET", 200, body, "resBody")
	if got == nil {
		t.Fatal("expected a finding for wrong array element type")
	}
	if _, ok := got["resBody.tags.[]"]; !ok {
		t.Errorf("expected resBody.tags.[] path, got %v", got)
	}
}

func TestCheck_UnknownSpecName_ReturnsNil(t *testing.T) {
	r := loadedRegistry(t)
	got := Check(r, "does-not-exist", "/v1/widgets/{id}", "GET", 200, map[string]any{}, "resBody")
	if got != nil {
		t.Errorf("expected nil for unknown spec name, got %v", got)
	}
}

func TestCheck_UnknownPath_ReturnsNil(t *testing.T) {
	r := loadedRegistry(t)
	got := Check(r, "widgets", "/v1/does-not-exist", "GET", 200, map[string]any{}, "resBody")
	if got != nil {
		t.Errorf("expected nil for unknown path, got %v", got)
	}
}

func TestCheck_UnknownStatus_ReturnsNil(t *testing.T) {
	r := loadedRegistry(t)
	got := Check(r, "widgets", "/v1/widgets/{id}", "GET", 404, map[string]any{}, "resBody")
	if got != nil {
		t.Errorf("expected nil for unregistered status code, got %v", got)
	}
}

func TestCheck_NilRegistry(t *testing.T) {
	got := Check(nil, "widgets", "/v1/widgets/{id}", "GET", 200, map[string]any{}, "resBody")
	if got != nil {
		t.Error("expected nil for nil registry")
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Error("expected ok=false for unregistered spec name")
	}
}

func TestRegistry_LoadInvalidData(t *testing.T) {
	r := NewRegistry()
	if err := r.Load("bad", []byte("not json or yaml: [")); err == nil {
		t.Error("expected an error loading malformed spec data")
	}
}
