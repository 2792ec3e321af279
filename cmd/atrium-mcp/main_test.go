package main

import (
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("expected result with content")
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func TestHandleListLevels(t *testing.T) {
	result, err := handleListLevels(t.Context(), callRequest("revit_list_levels", nil))
	if err != nil {
		t.Fatalf("handleListLevels: %v", err)
	}

	text := resultText(t, result)
	for _, want := range []string{"Level 1", "Roof", "39.375"} {
		if !strings.Contains(text, want) {
			t.Errorf("levels output missing %q:\n%s", want, text)
		}
	}
}

func TestHandleElementInfo(t *testing.T) {
	result, err := handleElementInfo(t.Context(), callRequest("revit_get_element_info", map[string]any{
		"element_id": "316244",
	}))
	if err != nil {
		t.Fatalf("handleElementInfo: %v", err)
	}

	text := resultText(t, result)
	if !strings.Contains(text, "Element 316244") {
		t.Errorf("output missing element id:\n%s", text)
	}
	if !strings.Contains(text, "Category:") {
		t.Errorf("output missing category:\n%s", text)
	}

	// Same id must produce the same answer.
	again, err := handleElementInfo(t.Context(), callRequest("revit_get_element_info", map[string]any{
		"element_id": "316244",
	}))
	if err != nil {
		t.Fatalf("second handleElementInfo: %v", err)
	}
	if got := resultText(t, again); got != text {
		t.Errorf("element info not deterministic:\nfirst:  %s\nsecond: %s", text, got)
	}
}

func TestHandleElementInfoRejectsBadID(t *testing.T) {
	result, err := handleElementInfo(t.Context(), callRequest("revit_get_element_info", map[string]any{
		"element_id": "wall-7x",
	}))
	if err != nil {
		t.Fatalf("handleElementInfo: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for non-numeric id")
	}
}

func TestHandleConvertUnits(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		from  string
		to    string
		want  string
	}{
		{"feet to inches", 2, "feet", "inches", "24"},
		{"meters to feet", 1, "meters", "feet", "3.28"},
		{"mm to m", 1500, "millimeters", "m", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handleConvertUnits(t.Context(), callRequest("revit_convert_units", map[string]any{
				"value": tt.value,
				"from":  tt.from,
				"to":    tt.to,
			}))
			if err != nil {
				t.Fatalf("handleConvertUnits: %v", err)
			}
			text := resultText(t, result)
			if !strings.Contains(text, tt.want) {
				t.Errorf("conversion output = %q, want it to contain %q", text, tt.want)
			}
		})
	}
}

func TestHandleConvertUnitsUnknownUnit(t *testing.T) {
	result, err := handleConvertUnits(t.Context(), callRequest("revit_convert_units", map[string]any{
		"value": 1.0,
		"from":  "cubits",
		"to":    "feet",
	}))
	if err != nil {
		t.Fatalf("handleConvertUnits: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for unsupported unit")
	}
}
