package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmerrifield20/chainchat/internal/intake"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
)

type connection struct {
	ctx          context.Context
	cancelCtx    context.CancelFunc
	hub          *Hub
	wsConn       *websocket.Conn
	id           string
	sender       string
	frames       chan Frame
	receiverDone chan struct{}
	closeOnce    sync.Once
	logger       *zap.Logger
}

func newConnection(h *Hub, wsConn *websocket.Conn, id, sender string) *connection {
	ctx, cancel := context.WithCancel(h.ctx)
	return &connection{
		ctx:          ctx,
		cancelCtx:    cancel,
		hub:          h,
		wsConn:       wsConn,
		id:           id,
		sender:       sender,
		frames:       make(chan Frame, h.opts.QueueLength),
		receiverDone: make(chan struct{}),
		logger:       h.logger.With(zap.String("conn", id)),
	}
}

// dispatch queues f without blocking. A client that cannot keep up loses
// frames rather than stalling the hub.
func (c *connection) dispatch(f Frame) {
	select {
	case c.frames <- f:
	default:
		c.logger.Warn("client queue full, dropping frame", zap.String("type", f.Type))
	}
}

func (c *connection) writeFrame(f Frame) error {
	_ = c.wsConn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
	return c.wsConn.WriteJSON(f)
}

func (c *connection) sendLoop() {
	defer c.hub.wg.Done()
	defer c.close()
	for {
		select {
		case f := <-c.frames:
			if err := c.writeFrame(f); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-c.receiverDone:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) receiveLoop() {
	defer c.hub.wg.Done()
	defer close(c.receiverDone)
	for {
		var cmd ClientCommand
		if err := c.wsConn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && c.ctx.Err() == nil {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.handle(cmd)
	}
}

func (c *connection) handle(cmd ClientCommand) {
	switch cmd.Type {
	case CommandSendGlobalMessage:
		if allow := c.hub.opts.AllowSubmit; allow != nil && !allow(c.sender) {
			c.dispatch(Frame{Type: FrameError, Data: map[string]string{"message": "rate limit exceeded"}})
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.SubmitTimeout)
		defer cancel()
		if _, _, err := c.hub.submitter.Submit(ctx, c.sender, cmd.Content); err != nil {
			c.dispatch(Frame{Type: FrameError, Data: errorData(err)})
		}
		// Success reaches this client through the registry broadcast like
		// everyone else.
	default:
		c.dispatch(Frame{Type: FrameError, Data: map[string]string{"message": "unknown command: " + cmd.Type}})
	}
}

func errorData(err error) map[string]string {
	msg := "failed to send message"
	switch {
	case errors.Is(err, intake.ErrInvalidMessage):
		msg = err.Error()
	case errors.Is(err, ledger.ErrSealAborted), errors.Is(err, ledger.ErrAppendContention):
		msg = "message could not be sealed, retry later"
	}
	return map[string]string{"message": msg}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancelCtx()
		_ = c.wsConn.Close()
		c.hub.connClosed(c)
	})
}
