package router

import "testing"

func TestDiffBackends(t *testing.T) {
	tests := []struct {
		name string
		old  []string
		new  []string
		want bool
	}{
		{
			name: "empty to empty is no-op",
			old:  nil,
			new:  nil,
			want: false,
		},
		{
			name: "first population differs",
			old:  nil,
			new:  []string{"10.0.0.1"},
			want: true,
		},
		{
			name: "identical sorted sets are idempotent",
			old:  []string{"10.0.0.1", "10.0.0.2"},
			new:  []string{"10.0.0.1", "10.0.0.2"},
			want: false,
		},
		{
			name: "added node differs",
			old:  []string{"10.0.0.1"},
			new:  []string{"10.0.0.1", "10.0.0.2"},
			want: true,
		},
		{
			name: "removed node differs",
			old:  []string{"10.0.0.1", "10.0.0.2"},
			new:  []string{"10.0.0.1"},
			want: true,
		},
		{
			name: "same size, different membership differs",
			old:  []string{"10.0.0.1", "10.0.0.2"},
			new:  []string{"10.0.0.1", "10.0.0.3"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := diffBackends(tt.old, tt.new); got != tt.want {
				t.Errorf("diffBackends(%v, %v) = %v, want %v", tt.old, tt.new, got, tt.want)
			}
		})
	}
}
