package remote

import (
	"context"
	"testing"
)

func TestMergeHeaderRoundTrip(t *testing.T) {
	h, err := FormatMergeHeader(MergeMeta{Key: "abc-123", Lines: 4})
	if err != nil {
		t.Fatalf("FormatMergeHeader: %v", err)
	}
	if h != `key="abc-123", lines=4` {
		t.Errorf("header = %q", h)
	}

	meta, err := ParseMergeHeader(h)
	if err != nil {
		t.Fatalf("ParseMergeHeader: %v", err)
	}
	if meta.Key != "abc-123" || meta.Lines != 4 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestParseMergeHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantKey string
		wantErr bool
	}{
		{"key only", `key="k1"`, "k1", false},
		{"extra members ignored", `key="k1", lines=2, v=1`, "k1", false},
		{"parameters ignored", `key="k1";src=web`, "k1", false},
		{"empty", "", "", true},
		{"missing key", `lines=2`, "", true},
		{"key not a string", `key=5`, "", true},
		{"empty key", `key=""`, "", true},
		{"negative lines", `key="k1", lines=-1`, "", true},
		{"inner list", `key=("a" "b")`, "", true},
		{"malformed", `key="unterminated`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := ParseMergeHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMergeHeader() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if meta.Key != tt.wantKey {
				t.Errorf("ParseMergeHeader() key = %q, want %q", meta.Key, tt.wantKey)
			}
		})
	}
}

func TestFormatMergeHeader_RequiresKey(t *testing.T) {
	if _, err := FormatMergeHeader(MergeMeta{}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestMergeKeyContext(t *testing.T) {
	if _, ok := MergeKeyFrom(context.Background()); ok {
		t.Error("background context should have no key")
	}
	key, ok := MergeKeyFrom(WithMergeKey(context.Background(), "s1"))
	if !ok || key != "s1" {
		t.Errorf("MergeKeyFrom = %q, %v", key, ok)
	}
}
