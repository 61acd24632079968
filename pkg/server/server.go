// Package server implements the per-connection TCP handler and accept loop:
// IP allowlisting, keepalive tuning, frame buffering, and the
// parse, reduce, ACK, dispatch pipeline.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/protei/gv50ingest/internal/logger"
	"github.com/protei/gv50ingest/pkg/config"
	"github.com/protei/gv50ingest/pkg/device"
	"github.com/protei/gv50ingest/pkg/dispatch"
	"github.com/protei/gv50ingest/pkg/fleet"
	"github.com/protei/gv50ingest/pkg/health"
	"github.com/protei/gv50ingest/pkg/metrics"
	"github.com/protei/gv50ingest/pkg/protocol/frame"
	"github.com/protei/gv50ingest/pkg/protocol/gv50"
)

// Store is the persistence contract the connection handler consumes.
// *storage.Store satisfies it.
type Store interface {
	AppendTelemetry(sample device.Telemetry)
	LoadDevice(ctx context.Context, imei string) (*device.Device, error)
	UpsertDevice(ctx context.Context, upd device.Update) error
	LoadCustomer(ctx context.Context, id string) (*device.Customer, error)
}

// Notifier is the push gateway contract. *notify.Gateway satisfies it.
type Notifier interface {
	Enabled() bool
	SendToToken(token, title, body string, data map[string]string) bool
	SendToTopic(topic, title, body string, data map[string]string) bool
}

// Server is the fleet's TCP listener.
type Server struct {
	cfg        config.ServerConfig
	battery    config.BatteryConfig
	store      Store
	notifier   Notifier
	dispatcher *dispatch.Dispatcher
	registry   *fleet.Registry
	metrics    *metrics.Metrics
	health     *health.Check
	log        *logger.Logger

	listener     net.Listener
	shuttingDown int32
	wg           sync.WaitGroup
}

// Deps bundles the wired collaborators a Server needs.
type Deps struct {
	Store      Store
	Notifier   Notifier
	Dispatcher *dispatch.Dispatcher
	Registry   *fleet.Registry
	Metrics    *metrics.Metrics
	Health     *health.Check
}

// New creates a Server bound to the given configuration and collaborators.
func New(cfg config.ServerConfig, battery config.BatteryConfig, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		battery:    battery,
		store:      deps.Store,
		notifier:   deps.Notifier,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		health:     deps.Health,
		log:        logger.Get().WithComponent("server"),
	}
}

// ListenAndServe binds the listener and runs the accept loop until ctx is
// cancelled. It blocks until shutdown completes or the grace deadline
// elapses.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.ListenIP, strconv.Itoa(s.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("listening for device connections", "addr", addr)

	go s.registry.RunSweeper(time.Duration(s.cfg.SweepIntervalS) * time.Second)

	go func() {
		<-ctx.Done()
		atomic.StoreInt32(&s.shuttingDown, 1)
		s.listener.Close()
	}()

	backoff := 0 * time.Second
	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Warn("accept failed, backing off", "error", err.Error())
			if backoff == 0 {
				backoff = 2 * time.Second
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.cfg.MaxConnections > 0 && s.registry.Count() >= s.cfg.MaxConnections {
			s.log.Warn("connection cap reached, refusing connection", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if s.metrics != nil {
			s.metrics.ConnectionsAccepted.Inc()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	return s.waitForDrain(ctx)
}

func (s *Server) waitForDrain(ctx context.Context) error {
	grace := time.Duration(s.cfg.ShutdownGraceS) * time.Second
	done := make(chan struct{})
	go func() {
		s.registry.CloseAll()
		s.registry.Stop()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		s.log.Warn("shutdown grace period elapsed with connections still draining")
		return nil
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	clientIP := clientIPOf(raw)

	if !s.cfg.IsIPAllowed(clientIP) {
		s.log.Warn("rejecting connection from disallowed IP", "ip", clientIP)
		raw.Close()
		return
	}

	if tcpConn, ok := raw.(*net.TCPConn); ok {
		idle := time.Duration(s.cfg.KeepaliveIdleS) * time.Second
		interval := time.Duration(s.cfg.KeepaliveIntervalS) * time.Second
		if err := tuneKeepalive(tcpConn, idle, interval, s.cfg.KeepaliveProbes); err != nil {
			s.log.Warn("keepalive tuning failed", "error", err.Error())
		}
	}

	c := &fleet.Conn{
		ID:         xid.New().String(),
		Socket:     raw,
		ClientIP:   clientIP,
		Decoder:    frame.NewDecoder(s.cfg.MaxFrameBufferBytes),
		PendingCap: s.cfg.PendingQueueDepth,
	}
	s.registry.Register(c)
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Set(float64(s.registry.Count()))
	}

	defer func() {
		s.registry.Unregister(c)
		c.Close()
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Set(float64(s.registry.Count()))
		}
	}()

	readTimeout := time.Duration(s.cfg.ConnectionTimeoutS) * time.Second
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = raw.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := raw.Read(buf)
		if n > 0 {
			s.registry.Touch(c)
			c.Decoder.Feed(buf[:n])
			s.drainFrames(ctx, c)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // a per-receive timeout is not a disconnect; the sweeper owns liveness
			}
			if isCleanClose(err) {
				return
			}
			s.log.Debug("connection read error, closing", "error", err.Error())
			return
		}
	}
}

func (s *Server) drainFrames(ctx context.Context, c *fleet.Conn) {
	err := c.Decoder.Drain(func(raw string) error {
		s.processFrame(ctx, c, raw)
		return nil
	})
	if err != nil {
		s.log.Warn("frame buffer overflow, buffer cleared", "conn_id", c.ID, "error", err.Error())
	}
}

func (s *Server) processFrame(ctx context.Context, c *fleet.Conn, raw string) {
	msg, err := gv50.Parse(raw)
	if err != nil {
		var unrec gv50.ErrUnrecognized
		if errors.As(err, &unrec) {
			s.log.Debug("unrecognized report type", "header", unrec.Header)
		} else {
			s.log.Debug("frame parse failed", "error", err.Error())
		}
		if s.metrics != nil {
			s.metrics.FramesMalformed.Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.FramesByReportType.WithLabelValues(string(msg.ReportType)).Inc()
	}
	if s.health != nil {
		s.health.RecordFrame()
	}
	if msg.ReportType == gv50.ReportSTT {
		s.log.Debug("motion state change", "imei", msg.IMEI, "code", msg.MotionCode,
			"state", gv50.MotionDescription(msg.MotionCode))
	}

	if msg.IMEI != "" && c.IMEI() == "" {
		if displaced := s.registry.Bind(c, msg.IMEI); displaced != nil {
			if displaced.ClientIP != c.ClientIP {
				s.log.Debug("device IP changed across reconnect", "imei", msg.IMEI,
					"old_ip", displaced.ClientIP, "new_ip", c.ClientIP)
			}
			displaced.Close()
			s.registry.Unregister(displaced)
			s.dispatcher.ConnectionLost(msg.IMEI)
		}
	}

	current, err := s.store.LoadDevice(ctx, msg.IMEI)
	if err != nil {
		s.log.Warn("load_device failed, proceeding with empty row", "imei", msg.IMEI, "error", err.Error())
	}

	result := device.Reduce(msg, time.Now(), current, s.dispatcher.InFlight, s.battery.LowVolts,
		time.Duration(s.battery.AlertDedupMinutes)*time.Minute)

	if result.Telemetry != nil {
		s.store.AppendTelemetry(*result.Telemetry)
	}
	if result.DeviceUpdate.IMEI != "" {
		if err := s.store.UpsertDevice(ctx, result.DeviceUpdate); err != nil {
			s.log.Warn("upsert_device failed", "imei", msg.IMEI, "error", err.Error())
		}
	}
	if result.Release {
		s.dispatcher.Release(msg.IMEI)
		if s.metrics != nil {
			s.metrics.CommandsAcked.WithLabelValues(string(result.ReleaseKind)).Inc()
		}
	}

	for _, n := range result.Notifications {
		s.deliver(n, current)
	}

	if msg.ReportType != "" {
		ack := frame.Ack(string(msg.ReportType), msg.ProtocolVersion, msg.IMEI, msg.Count, time.Now())
		if err := c.Write([]byte(ack)); err != nil {
			s.log.Debug("ack write failed", "error", err.Error())
			return
		}
	}

	// At most one outbound command per reply slot: the rendered frame goes
	// through the connection's bounded pending queue, and at most one queued
	// frame (the oldest) is written after the ACK.
	if result.Command != nil {
		wire, ok := s.dispatcher.Render(*result.Command)
		if ok {
			c.QueueOutbound([]byte(wire))
			if s.metrics != nil {
				s.metrics.CommandsDispatched.WithLabelValues(string(result.Command.Kind)).Inc()
			}
		}
	}
	if out, ok := c.NextOutbound(); ok {
		if err := c.Write(out); err != nil {
			s.log.Debug("command write failed", "error", err.Error())
		}
	}
}

func (s *Server) deliver(n device.NotificationIntent, current *device.Device) {
	if s.notifier == nil || !s.notifier.Enabled() {
		return
	}
	data := map[string]string{"event_type": n.EventType, "imei": n.IMEI}
	if current != nil {
		data["plate"] = current.Plate
	}
	for k, v := range n.Fields {
		data[k] = v
	}

	title := n.EventType
	body := "imei " + n.IMEI

	if current != nil && current.CustomerRef != "" {
		cust, err := s.store.LoadCustomer(context.Background(), current.CustomerRef)
		if err == nil && cust != nil && cust.FCMToken != "" {
			s.notifier.SendToToken(cust.FCMToken, title, body, data)
			return
		}
	}
	s.notifier.SendToTopic("", title, body, data)
}

func clientIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
