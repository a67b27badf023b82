package domain

import (
	"reflect"
	"testing"
)

func TestSetToListSorted(t *testing.T) {
	set := map[string]struct{}{"scan": {}, "analyze": {}, "report": {}}
	got := SetToList(set)
	want := []string{"analyze", "report", "scan"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SetToList = %v, want %v", got, want)
	}
}

func TestManifestDescriptorValidation(t *testing.T) {
	cases := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{"valid", Manifest{Name: "scanner", Capabilities: []string{"scan"}}, false},
		{"no name", Manifest{Capabilities: []string{"scan"}}, true},
		{"no capabilities", Manifest{Name: "scanner"}, true},
	}
	for _, tc := range cases {
		_, err := tc.manifest.Descriptor()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}
