package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/session"
)

func TestListCalls(t *testing.T) {
	reg := session.NewRegistry(time.Minute)
	sess, err := reg.Create(call.ChannelTelephony, &call.Intent{
		TargetEntity:    "City Clinic",
		TaskDescription: "book an appointment",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	srv := New(Deps{Registry: reg})
	resp, err := srv.app.Test(httptest.NewRequest("GET", "/api/calls", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Calls map[string]struct {
			Status  string `json:"status"`
			Channel string `json:"channel"`
			Intent  string `json:"intent"`
			Turns   int    `json:"turns"`
		} `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	entry, ok := body.Calls[sess.ID]
	if !ok {
		t.Fatalf("session %s missing from %v", sess.ID, body.Calls)
	}
	if entry.Status != session.PhaseCreated.String() {
		t.Errorf("status = %q", entry.Status)
	}
	if entry.Channel != string(call.ChannelTelephony) {
		t.Errorf("channel = %q", entry.Channel)
	}
	if entry.Intent == "" {
		t.Error("intent summary missing")
	}
}
