package mission

// Presence is a read-only projection of a worker's activity for dashboard
// display. It is derived entirely from task and worker transitions; no
// extra state is kept for it.
type Presence string

const (
	PresenceIdle      Presence = "idle"
	PresencePreparing Presence = "preparing"
	PresenceTyping    Presence = "typing"
)

// WorkerPresence derives the presence of one worker from a snapshot.
func WorkerPresence(snap Snapshot, workerID string) Presence {
	for _, w := range snap.Workers {
		if w.ID != workerID || w.Status != WorkerActive {
			continue
		}
		for _, t := range snap.Tasks {
			if t.ID != w.CurrentTask {
				continue
			}
			switch t.Status {
			case TaskAssigned:
				return PresencePreparing
			case TaskRunning:
				return PresenceTyping
			}
		}
		return PresencePreparing
	}
	return PresenceIdle
}
