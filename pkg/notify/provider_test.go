package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/storage"
)

func TestProviderNotifier(t *testing.T) {
	gotCh := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotCh <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := newTestManager(DefaultConfig())
	if err := manager.Register(&Target{
		URL:    server.URL,
		Events: []EventType{EventSyncDisabled},
	}); err != nil {
		t.Fatalf("Failed to register target: %v", err)
	}

	disabledAt := time.Now().UTC()
	provider := &storage.Provider{
		ID:              "prov-1",
		AccountID:       "acct-1",
		Name:            "Corp Google",
		Adapter:         idp.AdapterGoogleWorkspace,
		LastSyncsFailed: 10,
		LastSyncError:   "directory API rejected the access token",
		SyncDisabledAt:  &disabledAt,
	}

	notifier := NewProviderNotifier(manager)
	if err := notifier.NotifySyncDisabled(context.Background(), provider); err != nil {
		t.Fatalf("NotifySyncDisabled failed: %v", err)
	}

	var body []byte
	select {
	case body = <-gotCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Target never received the event")
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.Type != EventSyncDisabled {
		t.Errorf("Expected sync disabled event, got %s", event.Type)
	}
	if event.ProviderID != "prov-1" || event.AccountID != "acct-1" {
		t.Errorf("Unexpected provider/account: %s/%s", event.ProviderID, event.AccountID)
	}
	if event.Adapter != "google_workspace" {
		t.Errorf("Unexpected adapter: %s", event.Adapter)
	}
	if event.Data["message"] != "directory API rejected the access token" {
		t.Errorf("Unexpected message: %v", event.Data["message"])
	}
	if event.Data["consecutive_failures"] != float64(10) {
		t.Errorf("Unexpected failure streak: %v", event.Data["consecutive_failures"])
	}
}

func TestProviderNotifier_NoTargets(t *testing.T) {
	notifier := NewProviderNotifier(newTestManager(DefaultConfig()))

	// Nothing registered: dispatch is a clean no-op.
	err := notifier.NotifyTokenExpired(context.Background(), &storage.Provider{ID: "prov-1"})
	if err != nil {
		t.Fatalf("Expected no error with zero targets, got %v", err)
	}
}
