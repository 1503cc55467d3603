// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentmanager

import (
	"context"

	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/inference"
)

// recoveryCaptureRows bounds the pane capture taken to re-infer status
// on readopt. The scheduler's own poll captures the full scrollback
// and keeps its last 200 lines as LastOutput.
const recoveryCaptureRows = 200

// Recover implements the recovery supervisor (spec.md §4.5's
// "Recovery on process restart" and SPEC_FULL.md §4.5.3's concrete
// procedure): on boot, read every snapshot not already in status
// stopped; for each, check whether its session still exists in the
// multiplexer. A present session is readopted into the live table,
// but its status is re-inferred from a fresh pane capture rather than
// trusted from the stale snapshot (spec.md §8 scenario 5, SPEC_FULL
// §4.5.3 item 3) — the process may have been down long enough for the
// agent to finish or stall. An absent session is marked stopped and
// logged as a crash, since whatever killed the process also took its
// sessions down without this manager's involvement.
//
// After the snapshots are loaded, each agent's workspace checkpoint
// (if present) is read and logged at debug level together with the
// snapshot's last-activity time. The checkpoint never overrides the
// snapshot — the store remains authoritative — and the two timestamps
// are logged side by side, not compared.
func (m *Manager) Recover(ctx context.Context) error {
	snapshots, err := m.store.LoadSnapshots(ctx)
	if err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		if cp, ok, err := m.prov.ReadCheckpoint(snapshot.AgentID); err != nil {
			m.logger.Warn("read-checkpoint failed", "agent_id", snapshot.AgentID, "error", err)
		} else if ok {
			m.logger.Debug("recovery: checkpoint found", "agent_id", snapshot.AgentID, "checkpoint_updated_at", cp.UpdatedAt, "snapshot_last_activity", snapshot.LastActivity)
		}

		if m.term.Exists(snapshot.SessionName) {
			status := snapshot.Status
			if capture, err := m.term.Capture(ctx, snapshot.SessionName, recoveryCaptureRows); err != nil {
				m.logger.Warn("recovery: pane capture failed, trusting stale status", "agent_id", snapshot.AgentID, "error", err)
			} else {
				status = inference.Classify(capture, "", snapshot.Status)
			}

			agent := &core.Agent{
				ID:              snapshot.AgentID,
				Project:         snapshot.Project,
				SessionName:     snapshot.SessionName,
				BranchName:      snapshot.BranchName,
				Status:          status,
				Location:        snapshot.Location,
				CreatedAt:       snapshot.CreatedAt,
				LastActivityAt:  snapshot.LastActivity,
				Task:            snapshot.Task,
				ProfileName:     snapshot.Profile,
				SubAgentCount:   0,
				LastResponse:    snapshot.LastResponse,
				LastUserMessage: snapshot.LastUserMessage,
				Parked:          snapshot.Parked,
			}
			m.put(agent)
			m.store.LogEvent(ctx, agent.ID, agent.Project, core.EventRecovered, nil)
			continue
		}

		snapshot.Status = core.StatusStopped
		if err := m.store.SaveSnapshot(ctx, snapshot); err != nil {
			m.logger.Error("recovery: failed to mark crashed agent stopped", "agent_id", snapshot.AgentID, "error", err)
		}
		m.store.LogEvent(ctx, snapshot.AgentID, snapshot.Project, core.EventCrashed, nil)
	}

	return nil
}
