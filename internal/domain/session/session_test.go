package session

import "testing"

func TestGenerateID(t *testing.T) {
	tests := []struct {
		name string
	}{
		{name: "generates unique IDs"},
		{name: "ID is 64 hex characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			switch tt.name {
			case "generates unique IDs":
				ids := make(map[string]bool)
				for i := 0; i < 100; i++ {
					id, err := GenerateID()
					if err != nil {
						t.Fatalf("GenerateID() error = %v", err)
					}
					if ids[id] {
						t.Errorf("GenerateID() generated duplicate ID: %s", id)
					}
					ids[id] = true
				}

			case "ID is 64 hex characters":
				id, err := GenerateID()
				if err != nil {
					t.Fatalf("GenerateID() error = %v", err)
				}
				if len(id) != 64 {
					t.Errorf("GenerateID() len = %d, want 64", len(id))
				}
				// Verify it's valid hex
				for _, c := range id {
					if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
						t.Errorf("GenerateID() contains non-hex character: %c", c)
					}
				}
			}
		})
	}
}
