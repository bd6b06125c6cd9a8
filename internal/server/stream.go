package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/attunevoice/attune/internal/orchestrator"
)

// streamClient is one live websocket connection mapped to a session.
type streamClient struct {
	s    *Server
	conn *websocket.Conn

	sessionID string
	userID    string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	lastTS  atomic.Int64

	mu       sync.Mutex
	pipeline *orchestrator.Pipeline
}

// handleStream upgrades the connection, authenticates via the token query
// parameter, binds or creates a session, and runs the frame loop.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	if s.isDraining() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	identity, err := s.deps.Auth.Verify(ctx, r.URL.Query().Get("token"))
	if err != nil {
		conn.Close(closeAuthFailure, "authentication failed")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID != "" {
		sess, err := s.deps.Sessions.Get(ctx, sessionID)
		if err != nil || sess.UserID != identity.UserID {
			conn.Close(closeSessionUnknown, "session not found")
			return
		}
	} else {
		sess, err := s.deps.Sessions.Create(ctx, identity.UserID, nil, 0)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "session create failed")
			return
		}
		sessionID = sess.ID
	}

	c := &streamClient{
		s:         s,
		conn:      conn,
		sessionID: sessionID,
		userID:    identity.UserID,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.addClient(c)
	defer s.removeClient(c)

	log := s.log.With("session_id", sessionID, "user_id", identity.UserID)
	log.Info("stream connected")

	c.sendFrame(serverFrame{Type: frameConnected, SessionID: sessionID, UserID: identity.UserID})

	go c.heartbeat()

	c.readLoop()

	// Any live pipeline dies with its connection.
	c.interruptActive("connection closed")
	log.Info("stream disconnected")
}

// readLoop dispatches frames until the connection ends.
func (c *streamClient) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.ctx.Err() == nil {
				c.s.log.Debug("stream read ended", "session_id", c.sessionID, "error", err)
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleControl(data)
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

func (c *streamClient) handleControl(raw []byte) {
	f, err := parseClientFrame(raw)
	if err != nil {
		c.sendError("invalid_frame", err.Error())
		return
	}

	switch f.Type {
	case frameStart:
		c.startPipeline()
	case frameStop:
		c.mu.Lock()
		p := c.pipeline
		c.mu.Unlock()
		if p == nil || p.Done() {
			c.sendError("no_pipeline", "no active pipeline to stop")
			return
		}
		p.EndInput()
	case frameInterrupt:
		if _, err := c.s.deps.Orchestrator.Interrupt(c.sessionID); err != nil {
			c.sendError("no_pipeline", "no active pipeline to interrupt")
		}
	case frameVAD:
		c.s.deps.Orchestrator.HandleVAD(c.sessionID, f.Confidence,
			time.Duration(f.Duration)*time.Millisecond)
	case framePing:
		c.sendFrame(serverFrame{Type: framePong})
	}
}

// handleAudio feeds a binary PCM frame to the live pipeline. Audio with no
// pipeline to receive it is dropped.
func (c *streamClient) handleAudio(data []byte) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.PushAudio(data); err != nil &&
		!errors.Is(err, orchestrator.ErrInputClosed) &&
		!errors.Is(err, orchestrator.ErrPipelineDone) {
		c.s.log.Warn("audio push failed", "session_id", c.sessionID, "error", err)
	}
}

func (c *streamClient) startPipeline() {
	if len(c.s.deps.Orchestrator.ActiveSnapshots()) >= c.s.cfg.MaxActivePipelines {
		c.sendError("rate_limited", "too many active pipelines")
		return
	}

	p, err := c.s.deps.Orchestrator.StartPipeline(c.ctx, c.sessionID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrPipelineActive):
			c.sendError("pipeline_active", "a pipeline is already running for this session")
		default:
			c.sendError("pipeline_start_failed", err.Error())
		}
		return
	}

	c.mu.Lock()
	c.pipeline = p
	c.mu.Unlock()

	c.sendFrame(serverFrame{Type: framePipelineStarted, PipelineID: p.ID})
	go c.egress(p)
}

// egress forwards one pipeline's outputs to the client, ending with a
// pipeline-stopped frame once the pipeline is terminal.
func (c *streamClient) egress(p *orchestrator.Pipeline) {
	for out := range p.Outputs() {
		switch out.Type {
		case orchestrator.OutputTranscript:
			c.sendFrame(serverFrame{
				Type: frameTranscript, PipelineID: p.ID,
				Text: out.Text, IsFinal: out.IsFinal,
			})
		case orchestrator.OutputToken:
			c.sendFrame(serverFrame{Type: frameLLMResponse, PipelineID: p.ID, Text: out.Text})
		case orchestrator.OutputAudio:
			c.sendBinary(out.Audio)
		case orchestrator.OutputComplete:
			c.sendFrame(completeFrame(p.ID, out))
		case orchestrator.OutputInterrupted:
			c.sendFrame(serverFrame{Type: frameInterrupted, PipelineID: p.ID})
		case orchestrator.OutputError:
			msg := "pipeline failed"
			if out.Err != nil {
				msg = out.Err.Error()
			}
			c.sendFrame(serverFrame{Type: frameError, PipelineID: p.ID, Message: msg})
		}
	}
	c.sendFrame(serverFrame{Type: framePipelineStopped, PipelineID: p.ID})
}

// completeFrame maps a terminal completion output onto the wire frame,
// including sources and the grounding verdict when present.
func completeFrame(pipelineID string, out orchestrator.Output) serverFrame {
	f := serverFrame{Type: frameComplete, PipelineID: pipelineID, Text: out.Text, IsFinal: true}
	for _, cite := range out.Citations {
		f.Sources = append(f.Sources, frameSource{
			Number: cite.Number, Title: cite.Title, URL: cite.SourceURL,
		})
	}
	if out.Grounding != nil {
		f.Grounding = &frameGrounding{
			IsGrounded: out.Grounding.IsGrounded,
			Confidence: out.Grounding.Confidence,
		}
		if out.Grounding.Recommendation != "" {
			f.Grounding.Recommendations = []string{out.Grounding.Recommendation}
		}
	}
	return f
}

// heartbeat pings on the configured cadence; MissedHeartbeats unanswered
// rounds terminate the connection.
func (c *streamClient) heartbeat() {
	ticker := time.NewTicker(c.s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(c.ctx, c.s.cfg.HeartbeatInterval/2)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				missed++
				if missed >= c.s.cfg.MissedHeartbeats {
					c.s.log.Info("heartbeat timeout", "session_id", c.sessionID)
					c.close(websocket.StatusGoingAway, "heartbeat timeout")
					return
				}
				continue
			}
			missed = 0
		}
	}
}

func (c *streamClient) interruptActive(reason string) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p != nil && !p.Done() {
		p.Interrupt(reason)
	}
}

func (c *streamClient) close(code websocket.StatusCode, reason string) {
	c.conn.Close(code, reason)
	c.cancel()
}

// ─── frame writing ───

// nextTimestamp returns a strictly increasing millisecond timestamp.
func (c *streamClient) nextTimestamp() int64 {
	for {
		now := time.Now().UnixMilli()
		prev := c.lastTS.Load()
		if now <= prev {
			now = prev + 1
		}
		if c.lastTS.CompareAndSwap(prev, now) {
			return now
		}
	}
}

func (c *streamClient) sendFrame(f serverFrame) {
	f.Timestamp = c.nextTimestamp()
	data, err := json.Marshal(f)
	if err != nil {
		c.s.log.Error("frame marshal failed", "type", f.Type, "error", err)
		return
	}
	c.write(websocket.MessageText, data)
}

func (c *streamClient) sendBinary(audio []byte) {
	c.write(websocket.MessageBinary, audio)
}

func (c *streamClient) sendError(code, message string) {
	c.sendFrame(serverFrame{Type: frameError, Message: message, Text: code})
}

func (c *streamClient) write(typ websocket.MessageType, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, c.s.cfg.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, typ, data); err != nil && c.ctx.Err() == nil {
		c.s.log.Debug("frame write failed", "session_id", c.sessionID, "error", err)
	}
}
