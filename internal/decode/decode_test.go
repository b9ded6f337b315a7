package decode

import (
	"strings"
	"testing"

	"metlo-agent-core/internal/trace"
)

func TestEssenceOf(t *testing.T) {
	cases := map[string]string{
		"application/json":                 "application/json",
		"Application/JSON; charset=utf-8":   "application/json",
		"text/plain":                        "text/plain",
		"":                                  "",
		"not a mime type;;;":                "",
	}
	for in, want := range cases {
		if got := EssenceOf(in); got != want {
			t.Errorf("EssenceOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProcessBodyJSON(t *testing.T) {
	res := trace.NewProcessTraceRes()
	ProcessBody(`{"user":{"name":"<script>alert(1)</script>","age":30},"tags":["a","b"]}`, "application/json", "reqBody", res)

	if res.DataTypes["reqBody.user.name"] == nil {
		t.Fatalf("expected data type at reqBody.user.name, got %v", res.DataTypes)
	}
	if !res.Block {
		t.Fatalf("expected block=true from XSS payload")
	}
	if _, ok := res.XSSDetected["reqBody.user.name"]; !ok {
		t.Fatalf("expected XSS finding at reqBody.user.name, got %v", res.XSSDetected)
	}
	if res.DataTypes["reqBody.tags.[]"] == nil {
		t.Fatalf("expected array elements collapsed under reqBody.tags.[], got %v", res.DataTypes)
	}
}

func TestProcessBodyMalformedJSON(t *testing.T) {
	res := trace.NewProcessTraceRes()
	ProcessBody(`{not valid json`, "application/json", "reqBody", res)
	if len(res.DataTypes) != 0 || res.Block {
		t.Fatalf("expected no findings for malformed JSON, got %+v", res)
	}
}

func TestProcessBodyTextPlain(t *testing.T) {
	res := trace.NewProcessTraceRes()
	ProcessBody("1 OR 1=1", "text/plain", "reqBody", res)
	if res.DataTypes["reqBody"] == nil {
		t.Fatalf("expected data type at reqBody, got %v", res.DataTypes)
	}
	if _, ok := res.SQLIDetected["reqBody"]; !ok {
		t.Fatalf("expected SQLi finding at reqBody, got %v", res.SQLIDetected)
	}
}

func TestProcessBodyUnknownContentType(t *testing.T) {
	res := trace.NewProcessTraceRes()
	ProcessBody("hello", "application/octet-stream", "reqBody", res)
	if res.DataTypes["reqBody"] == nil {
		t.Fatalf("expected unknown content type to fall back to text/plain, got %v", res.DataTypes)
	}
}

func TestProcessBodyURLEncoded(t *testing.T) {
	res := trace.NewProcessTraceRes()
	ProcessBody("name=bob&email=bob%40example.com", "application/x-www-form-urlencoded", "reqBody", res)
	if res.DataTypes["reqBody.name"] == nil {
		t.Fatalf("expected reqBody.name data type, got %v", res.DataTypes)
	}
	if res.SensitiveDataDetected["reqBody.email"] == nil {
		t.Fatalf("expected sensitive-data finding for email field, got %v", res.SensitiveDataDetected)
	}
}

func TestProcessBodyMultipart(t *testing.T) {
	body := "--XYZ\r\nContent-Disposition: form-data; name=\"field1\"\r\n\r\nhello\r\n--XYZ--\r\n"
	res := trace.NewProcessTraceRes()
	ProcessBody(body, "multipart/form-data; boundary=XYZ", "reqBody", res)
	if res.DataTypes["reqBody.field1"] == nil {
		t.Fatalf("expected reqBody.field1 data type, got %v", res.DataTypes)
	}
}

func TestWalkBoundedVisits(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"items":[`)
	for i := 0; i < 1000; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`"x"`)
	}
	sb.WriteString(`]}`)

	res := trace.NewProcessTraceRes()
	ProcessBody(sb.String(), "application/json", "reqBody", res)
	// Should not panic and should not visit unbounded nodes; just assert it
	// completed and recorded something under the array path.
	if res.DataTypes["reqBody.items.[]"] == nil {
		t.Fatalf("expected some data recorded for bounded traversal, got %v", res.DataTypes)
	}
}

func TestAnalyzeKeyVals(t *testing.T) {
	res := trace.NewProcessTraceRes()
	AnalyzeKeyVals([]trace.KeyVal{
		{Name: "q", Value: "1 UNION SELECT * FROM users"},
		{Name: "page", Value: "2"},
	}, "reqQuery", res)

	if _, ok := res.SQLIDetected["reqQuery.q"]; !ok {
		t.Fatalf("expected SQLi finding at reqQuery.q, got %v", res.SQLIDetected)
	}
	if res.DataTypes["reqQuery.page"] == nil {
		t.Fatalf("expected data type at reqQuery.page, got %v", res.DataTypes)
	}
}
