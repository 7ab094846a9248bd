package bootstrap

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		becameLeader bool
		backupExists bool
		want         branch
	}{
		{
			name:         "first node in an empty cluster",
			becameLeader: true,
			backupExists: false,
			want:         branchFreshLeader,
		},
		{
			name:         "restarted leader with a prior backup",
			becameLeader: true,
			backupExists: true,
			want:         branchRestoreLeader,
		},
		{
			name:         "joining a cluster that already has a backup",
			becameLeader: false,
			backupExists: true,
			want:         branchRestoreFollower,
		},
		{
			name:         "joining before any backup has ever been made",
			becameLeader: false,
			backupExists: false,
			want:         branchWaitThenRestore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.becameLeader, tt.backupExists); got != tt.want {
				t.Errorf("decide(%v, %v) = %v, want %v", tt.becameLeader, tt.backupExists, got, tt.want)
			}
		})
	}
}
