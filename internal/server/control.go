package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OpStatus is a control operation's lifecycle state.
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpRunning OpStatus = "running"
	OpDone    OpStatus = "done"
	OpFailed  OpStatus = "failed"
)

// Operation is one accepted control request.
type Operation struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     OpStatus   `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// opHistory is how many finished operations the status endpoint retains.
const opHistory = 20

// controlTimeout bounds a single control callback.
const controlTimeout = time.Minute

// opLog is a bounded, newest-first record of control operations.
type opLog struct {
	mu    sync.Mutex
	limit int
	ops   []*Operation
}

func newOpLog(limit int) *opLog {
	return &opLog{limit: limit}
}

func (l *opLog) add(op *Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append([]*Operation{op}, l.ops...)
	if len(l.ops) > l.limit {
		l.ops = l.ops[:l.limit]
	}
}

func (l *opLog) finish(id string, status OpStatus, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range l.ops {
		if op.ID == id {
			op.Status = status
			op.Error = errMsg
			now := nowUTC()
			op.FinishedAt = &now
			return
		}
	}
}

func (l *opLog) setRunning(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range l.ops {
		if op.ID == id {
			op.Status = OpRunning
			return
		}
	}
}

func (l *opLog) recent() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Operation, len(l.ops))
	for i, op := range l.ops {
		out[i] = *op
	}
	return out
}

func (s *Server) controlHandler(c *gin.Context) {
	kind := c.Param("op")

	var fn func(context.Context) error
	switch kind {
	case "restart":
		fn = s.controls.Restart
	case "clear-order-board":
		fn = s.controls.ClearOrderBoard
	case "clear-gear-state":
		fn = s.controls.ClearGearState
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_operation",
			"message": "Unknown control operation: " + kind,
		})
		return
	}
	if fn == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_wired",
			"message": "Control operation is not available: " + kind,
		})
		return
	}

	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    OpPending,
		StartedAt: nowUTC(),
	}
	s.ops.add(op)

	go func() {
		s.ops.setRunning(op.ID)
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error("control operation failed", "kind", kind, "id", op.ID, "error", err)
			s.ops.finish(op.ID, OpFailed, err.Error())
			return
		}
		s.logger.Info("control operation finished", "kind", kind, "id", op.ID)
		s.ops.finish(op.ID, OpDone, "")
	}()

	c.JSON(http.StatusAccepted, op)
}

func (s *Server) controlStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.ops.recent()})
}

// sandboxCommands maps URL verbs to the upstream sandbox command names.
var sandboxCommands = map[string]string{
	"give-gold":     "give_gold",
	"give-item":     "give_item",
	"give-xp":       "give_xp",
	"spawn-event":   "spawn_event",
	"reset-account": "reset_account",
}

func (s *Server) sandboxHandler(c *gin.Context) {
	command, ok := sandboxCommands[c.Param("command")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_command",
			"message": "Unknown sandbox command: " + c.Param("command"),
		})
		return
	}

	var body map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}

	if err := s.sandbox.SandboxCommand(c.Request.Context(), command, body); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "sandbox_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "command": command})
}

func nowUTC() time.Time { return time.Now().UTC() }
