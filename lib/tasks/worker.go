// Package tasks implements the remote task proxy (C14) — listing,
// status, and log proxying for tasks on remotes, fronted uniformly by
// RemoteUpid — plus the local worker-task abstraction used by operations
// (like ACME) that are not themselves remote tasks.
package tasks

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/zmb3/pdm/api/types"
)

// WorkerTracker holds every locally-spawned worker task in memory, keyed
// by its own minted UPID. Unlike a RemoteUpid, which always names a task
// on some remote, these UPIDs are minted by this process itself.
type WorkerTracker struct {
	mu    sync.Mutex
	tasks map[string]*types.WorkerTask
}

// NewWorkerTracker returns an empty tracker.
func NewWorkerTracker() *WorkerTracker {
	return &WorkerTracker{tasks: make(map[string]*types.WorkerTask)}
}

// mintUPID generates a locally-unique UPID of the form
// "UPID:pdm:<pid>:<id>:<starttime>:<type>:<user>:".
func mintUPID(workerType, user string, now time.Time) string {
	id := uuid.NewString()[:8]
	return fmt.Sprintf("UPID:pdm:%08X:%s:%08X:%s:%s:", os.Getpid(), id, now.Unix(), workerType, user)
}

// Spawn starts fn in a new goroutine, recording a WorkerTask that
// transitions from Running to a terminal state when fn returns. It returns
// the UPID immediately, matching the "the spawn always succeeds at the
// HTTP layer; the task's own status reflects failure" propagation policy.
func (t *WorkerTracker) Spawn(workerType, user string, now func() time.Time, fn func(log func(string)) error) string {
	upid := mintUPID(workerType, user, now())
	task := &types.WorkerTask{
		UPID:       upid,
		WorkerType: workerType,
		User:       user,
		Status:     types.WorkerRunning,
		StartedAt:  now().Unix(),
	}

	t.mu.Lock()
	t.tasks[upid] = task
	t.mu.Unlock()

	appendLog := func(line string) {
		t.mu.Lock()
		task.Log = append(task.Log, line)
		t.mu.Unlock()
	}

	go func() {
		err := fn(appendLog)
		t.mu.Lock()
		defer t.mu.Unlock()
		task.EndedAt = now().Unix()
		if err != nil {
			task.Status = types.WorkerError
			task.StatusMsg = err.Error()
		} else {
			task.Status = types.WorkerOK
		}
	}()

	return upid
}

// Status returns a snapshot of a worker task's current state.
func (t *WorkerTracker) Status(upid string) (types.WorkerTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[upid]
	if !ok {
		return types.WorkerTask{}, trace.NotFound("worker task %q not found", upid)
	}
	return *task, nil
}
