// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package wsdriver

import (
	"encoding/json"
	"testing"
)

func TestRawStructuredPayload_CloneIsIndependent(t *testing.T) {
	orig := rawStructuredPayload(`{"a":1}`)
	clone := orig.Clone().(rawStructuredPayload)

	clone[2] = 'X'
	if string(orig) == string(clone) {
		t.Fatal("expected Clone to deep-copy, mutation leaked back to the original")
	}
}

func TestRawStructuredPayload_MarshalJSONRoundTrips(t *testing.T) {
	p := rawStructuredPayload(`{"a":1}`)
	b, err := p.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]int
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatal(err)
	}
	if v["a"] != 1 {
		t.Errorf("v[a] = %d, want 1", v["a"])
	}
}

func TestWireFrame_OmitsEmptyFields(t *testing.T) {
	f := wireFrame{Kind: "ack", Serial: 7}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["text"]; ok {
		t.Error("expected empty text field to be omitted")
	}
	if _, ok := raw["channel"]; ok {
		t.Error("expected zero channel field to be omitted")
	}
	if _, ok := raw["serial"]; !ok {
		t.Error("expected serial field to be present")
	}
}
