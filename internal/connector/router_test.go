// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"testing"

	"github.com/agent-forge/agentforge/internal/core"
)

func TestFindBinding_SinglyBound(t *testing.T) {
	r := &Router{projects: map[string]core.Project{
		"api": {
			Channels: []core.ChannelBinding{
				{ConnectorID: "tg1", ChannelID: "100", Inbound: true},
			},
		},
	}}

	_, project, hasBinding, singlyBound := r.findBinding("tg1", "100")
	if project != "api" || !hasBinding || !singlyBound {
		t.Fatalf("findBinding = (%q, %v, %v), want (api, true, true)", project, hasBinding, singlyBound)
	}
}

func TestFindBinding_SharedChannelIsNotSinglyBound(t *testing.T) {
	r := &Router{projects: map[string]core.Project{
		"api": {Channels: []core.ChannelBinding{{ConnectorID: "tg1", ChannelID: "100", Inbound: true}}},
		"web": {Channels: []core.ChannelBinding{{ConnectorID: "tg1", ChannelID: "100", Inbound: true}}},
	}}

	_, _, hasBinding, singlyBound := r.findBinding("tg1", "100")
	if !hasBinding {
		t.Error("findBinding reported no binding for a channel shared by two projects")
	}
	if singlyBound {
		t.Error("findBinding reported singly-bound for a channel shared by two projects")
	}
}

func TestFindBinding_NoMatch(t *testing.T) {
	r := &Router{projects: map[string]core.Project{}}
	_, _, hasBinding, _ := r.findBinding("tg1", "100")
	if hasBinding {
		t.Error("findBinding reported a match with no projects configured")
	}
}

func TestExplicitProjectPrefix(t *testing.T) {
	cases := []struct {
		text        string
		wantProject string
		wantAgent   string
		wantText    string
	}{
		{"@api hello there", "api", "", "hello there"},
		{"@api:a1b2c3 status?", "api", "a1b2c3", "status?"},
		{"@api", "api", "", ""},
	}
	for _, c := range cases {
		m := explicitProjectPrefix.FindStringSubmatch(c.text)
		if m == nil {
			t.Fatalf("%q: no match", c.text)
		}
		if m[1] != c.wantProject || m[2] != c.wantAgent || m[3] != c.wantText {
			t.Errorf("%q: got (%q, %q, %q), want (%q, %q, %q)", c.text, m[1], m[2], m[3], c.wantProject, c.wantAgent, c.wantText)
		}
	}
}

func TestFormatTransition_WaitingInputHasApproveRejectInterrupt(t *testing.T) {
	agent := core.Agent{ID: "a1b2c3", Project: "api"}
	out := formatTransition(agent, core.StatusWorking, core.StatusWaitingInput)
	if len(out.Buttons) != 3 {
		t.Fatalf("len(Buttons) = %d, want 3", len(out.Buttons))
	}
	for _, b := range out.Buttons {
		if b.CallbackID != "a1b2c3:"+b.Action {
			t.Errorf("button %+v has unexpected callback id", b)
		}
	}
}

func TestCredentialsChanged(t *testing.T) {
	a := core.ConnectorInstance{Credentials: map[string]string{"bot_token": "x"}}
	b := core.ConnectorInstance{Credentials: map[string]string{"bot_token": "x"}}
	if credentialsChanged(a, b) {
		t.Error("identical credentials reported as changed")
	}

	b.Credentials["bot_token"] = "y"
	if !credentialsChanged(a, b) {
		t.Error("differing credentials not detected")
	}
}
