package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perimetra/idpsync/pkg/idp"
)

func TestProviderSyncEnabled(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		provider Provider
		want     bool
	}{
		{
			name:     "custom provisioner enabled",
			provider: Provider{Provisioner: idp.ProvisionerCustom},
			want:     true,
		},
		{
			name:     "manual provisioner never syncs",
			provider: Provider{Provisioner: idp.ProvisionerManual},
			want:     false,
		},
		{
			name:     "just-in-time provisioner never syncs",
			provider: Provider{Provisioner: idp.ProvisionerJustInTime},
			want:     false,
		},
		{
			name:     "disabled provider",
			provider: Provider{Provisioner: idp.ProvisionerCustom, DisabledAt: &now},
			want:     false,
		},
		{
			name:     "sync disabled after failure streak",
			provider: Provider{Provisioner: idp.ProvisionerCustom, SyncDisabledAt: &now},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.SyncEnabled())
		})
	}
}

func TestProviderSignInEnabled(t *testing.T) {
	now := time.Now()

	p := Provider{Provisioner: idp.ProvisionerManual}
	assert.True(t, p.SignInEnabled())

	// Sync being disabled does not block sign-ins.
	p.SyncDisabledAt = &now
	assert.True(t, p.SignInEnabled())

	p.DisabledAt = &now
	assert.False(t, p.SignInEnabled())
}

func TestActorEnabled(t *testing.T) {
	now := time.Now()

	actor := Actor{Type: ActorTypeUser}
	assert.True(t, actor.Enabled())

	actor.DisabledAt = &now
	assert.False(t, actor.Enabled())

	actor = Actor{Type: ActorTypeUser, DeletedAt: &now}
	assert.False(t, actor.Enabled())
}
