package recorder

import "testing"

func TestPayloadSize(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{}
		want    int64
	}{
		{"string", "hello", 5},
		{"bytes", []byte{1, 2, 3}, 3},
		{"map", map[string]interface{}{"a": 1}, int64(len(`{"a":1}`))},
		{"slice", []int{1, 2, 3}, int64(len(`[1,2,3]`))},
		{"number", float64(42), 2},
		{"nil", nil, int64(len(`null`))},
		{"unmarshalable", func() {}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := payloadSize(tt.payload); got != tt.want {
				t.Errorf("payloadSize(%v) = %d, want %d", tt.payload, got, tt.want)
			}
		})
	}
}
